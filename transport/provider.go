// Package transport provides the concrete network and crypto primitives a
// pairing attempt runs on: UDP discovery with mDNS hints, sealed boxes and
// the HTTP relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"lanpair/crypto"
	"lanpair/discovery"
	"lanpair/logging"
	"lanpair/pairing"
	"lanpair/relay"
)

var _ pairing.Transport = (*Provider)(nil)

// Options configures a Provider.
type Options struct {
	// PinnedPeerIP is probed directly and steers LAN address selection.
	PinnedPeerIP string
	// RelayHost is the relay bind host; empty binds all interfaces.
	RelayHost string
	// DisableMDNS turns off the presence advertiser and browser.
	DisableMDNS bool
	Relay       relay.Config
	Client      *relay.Client
	Logger      logging.Logger
}

// Provider is the production pairing.Transport.
type Provider struct {
	opts   Options
	log    logging.Logger
	udp    *discovery.UDP
	client *relay.Client

	mu    sync.Mutex
	relay *relay.Server
}

// New builds a provider. mDNS failures degrade to broadcast-only discovery.
func New(options Options) *Provider {
	logger := options.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	client := options.Client
	if client == nil {
		client = relay.NewClient(relay.DefaultClientTimeout)
	}
	if options.Relay.Logger == nil {
		options.Relay.Logger = logger
	}

	udpOpts := discovery.UDPOptions{
		PinnedPeerIP: options.PinnedPeerIP,
		Logger:       logger,
	}
	if !options.DisableMDNS {
		udpOpts.Advertiser = discovery.NewAdvertiser(discovery.MDNSConfig{})
		browser, err := discovery.NewBrowser(discovery.MDNSConfig{})
		if err != nil {
			logger.Warn(fmt.Sprintf("transport: mdns browser unavailable: %v", err))
		} else {
			udpOpts.Browser = browser
		}
	}

	return &Provider{
		opts:   options,
		log:    logger,
		udp:    discovery.NewUDP(udpOpts),
		client: client,
	}
}

// LANAddress returns the preferred local IPv4 address or "".
func (p *Provider) LANAddress() string {
	return discovery.LANAddress(p.opts.PinnedPeerIP)
}

// GenerateKeyPair returns a fresh ephemeral keypair.
func (p *Provider) GenerateKeyPair() (crypto.KeyPair, error) {
	return crypto.GenerateKeyPair()
}

// Hash returns the hex SHA-256 of data.
func (p *Provider) Hash(data []byte) string {
	return crypto.Hash(data)
}

func (p *Provider) ListenForAnnouncement(ctx context.Context, self discovery.Self, port int, timeout time.Duration) (string, error) {
	return p.udp.Listen(ctx, self, port, timeout)
}

func (p *Provider) AnnounceAndDiscover(ctx context.Context, self discovery.Self, selfIP string, port int, probeTimeout time.Duration) (string, error) {
	return p.udp.Announce(ctx, self, selfIP, port, probeTimeout)
}

// StartRelay stops any relay this provider runs and starts a new one on port.
func (p *Provider) StartRelay(port int) error {
	if err := p.StopRelay(); err != nil {
		p.log.Warn(fmt.Sprintf("transport: stop previous relay: %v", err))
	}

	server := relay.NewServer(p.opts.Relay)
	if err := server.Start(net.JoinHostPort(p.opts.RelayHost, strconv.Itoa(port))); err != nil {
		return err
	}

	p.mu.Lock()
	p.relay = server
	p.mu.Unlock()
	return nil
}

// StopRelay stops the running relay. Without one it does nothing.
func (p *Provider) StopRelay() error {
	p.mu.Lock()
	server := p.relay
	p.relay = nil
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Stop()
}

// RelayAddr returns the running relay's listen address, or "".
func (p *Provider) RelayAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.relay == nil {
		return ""
	}
	return p.relay.Addr()
}

// PublishEncrypted seals payload to recipient and serves it from the running
// relay until it is fetched or ttl passes.
func (p *Provider) PublishEncrypted(ctx context.Context, port int, ttl time.Duration, recipient []byte, payload string) (string, error) {
	p.mu.Lock()
	server := p.relay
	p.mu.Unlock()
	if server == nil {
		return "", relay.ErrNotRunning
	}
	if _, portText, err := net.SplitHostPort(server.Addr()); err == nil && portText != strconv.Itoa(port) {
		return "", fmt.Errorf("relay listens on %s, not port %d", portText, port)
	}

	sealed, err := crypto.Seal(recipient, []byte(payload))
	if err != nil {
		return "", err
	}
	return server.Publish(ctx, sealed, ttl)
}

// FetchEncrypted fetches and opens the payload at url. It returns "" while
// the master has not published yet.
func (p *Provider) FetchEncrypted(ctx context.Context, url string, keyPair crypto.KeyPair, checksum string) (string, error) {
	sealed, err := p.client.FetchRendezvous(ctx, url, checksum)
	if errors.Is(err, relay.ErrNotPublished) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	plaintext, err := crypto.Open(keyPair, sealed)
	if err != nil {
		return "", fmt.Errorf("open rendezvous payload: %w", err)
	}
	return string(plaintext), nil
}
