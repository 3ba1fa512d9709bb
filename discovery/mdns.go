package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanpair._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds each mDNS lookup done before an announce probe.
	DefaultBrowseTimeout = 750 * time.Millisecond
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120

	publicKeyTXTKey = "pk"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the presence advertiser and the target browser.
type MDNSConfig struct {
	Service       string
	Domain        string
	Version       int
	BrowseTimeout time.Duration
	TTL           uint32

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser publishes an mDNS presence record while a listener waits, so
// announcers on networks that drop broadcast can still find a unicast target.
type Advertiser struct {
	cfg MDNSConfig
}

// NewAdvertiser returns an advertiser with config defaults applied.
func NewAdvertiser(config MDNSConfig) *Advertiser {
	return &Advertiser{cfg: config.withDefaults()}
}

// Advertise registers the record and returns a func that withdraws it.
func (a *Advertiser) Advertise(self Self, port int) (func(), error) {
	if len(self.PublicKey) == 0 {
		return nil, errors.New("public key is required")
	}
	if port <= 0 {
		return nil, errors.New("port must be > 0")
	}

	publicHex := self.descriptor("", port).PublicHex()
	txt := []string{
		"version=" + strconv.Itoa(a.cfg.Version),
		publicKeyTXTKey + "=" + publicHex,
	}

	// Instance names must be unique on the link; the key prefix is per attempt.
	instance := "lanpair-" + publicHex[:12]
	server, err := a.cfg.registerFn(instance, a.cfg.Service, a.cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(a.cfg.TTL)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if server != nil {
				server.Shutdown()
			}
		})
	}, nil
}

// Browser looks up advertised listeners.
type Browser struct {
	cfg    MDNSConfig
	browse browseFunc
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config MDNSConfig) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{cfg: cfg, browse: browse}, nil
}

// Lookup browses for one BrowseTimeout window and returns the IPv4 addresses
// of every advertiser whose key differs from selfPublicKey.
func (b *Browser) Lookup(ctx context.Context, selfPublicKey []byte) ([]string, error) {
	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.BrowseTimeout)
	defer cancel()

	selfHex := Descriptor{PublicKey: selfPublicKey}.PublicHex()
	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]struct{})
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				for _, addr := range parseEntry(entry, selfHex) {
					collectedMu.Lock()
					collected[addr] = struct{}{}
					collectedMu.Unlock()
				}
			}
		}
	}(entries)

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]string, 0, len(collected))
	for addr := range collected {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPublicHex string) []string {
	txt := txtToMap(entry.Text)

	publicHex := strings.TrimSpace(txt[publicKeyTXTKey])
	if publicHex == "" || strings.EqualFold(publicHex, selfPublicHex) {
		return nil
	}

	addresses := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.To4() == nil {
			continue
		}
		addresses = append(addresses, ip.To4().String())
	}
	return addresses
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
