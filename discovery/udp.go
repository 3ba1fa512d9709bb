package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"lanpair/crypto"
	"lanpair/logging"
)

const (
	TypeAnnounce        = "announce"
	TypeAnnounceReply   = "announce_reply"
	TypeAnnounceConfirm = "announce_confirm"

	// maxDatagramSize comfortably fits two records plus JSON framing.
	maxDatagramSize = 2048
	nonceLength     = 32
)

var limitedBroadcast = net.IPv4bcast.String()

// datagram is the JSON body of every discovery packet.
type datagram struct {
	Type   string `json:"type"`
	Nonce  string `json:"nonce"`
	Record string `json:"record"`
	Echo   string `json:"echo,omitempty"`
}

// UDPOptions configures the UDP announce/listen primitives.
type UDPOptions struct {
	// PinnedPeerIP is probed by unicast in addition to broadcast.
	PinnedPeerIP string
	// ListenHost restricts the listener bind address; empty binds all interfaces.
	ListenHost string
	// DisableBroadcast probes only unicast targets.
	DisableBroadcast bool

	Advertiser *Advertiser
	Browser    *Browser
	Logger     logging.Logger
}

// UDP implements the listener and announcer discovery primitives over UDP datagrams.
type UDP struct {
	opts UDPOptions
	log  logging.Logger
}

// NewUDP returns UDP discovery primitives.
func NewUDP(options UDPOptions) *UDP {
	logger := options.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &UDP{opts: options, log: logger}
}

// Listen waits up to timeout for an announcement from another device, answers
// it, and returns "peerRecord,localEchoRecord" once the announcer confirms.
// An empty result with nil error means the timeout elapsed.
func (u *UDP) Listen(ctx context.Context, self Self, port int, timeout time.Duration) (string, error) {
	if port <= 0 {
		return "", errors.New("listen port must be > 0")
	}

	bindIP := net.IPv4zero
	if u.opts.ListenHost != "" {
		bindIP = net.ParseIP(u.opts.ListenHost)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return "", fmt.Errorf("listen udp on %d: %w", port, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if u.opts.Advertiser != nil {
		withdraw, err := u.opts.Advertiser.Advertise(self, port)
		if err != nil {
			u.log.Warn(fmt.Sprintf("discovery: mdns advertise failed: %v", err))
		} else {
			defer withdraw()
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("set listen deadline: %w", err)
	}

	own := self.descriptor("", port)
	pending := make(map[string]Descriptor)
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", readEndErr(ctx, err)
		}

		msg, err := decodeDatagram(buf[:n])
		if err != nil {
			continue
		}

		switch msg.Type {
		case TypeAnnounce:
			peer, err := ParseRecord(msg.Record)
			if err != nil || peer.SameDevice(own) {
				continue
			}
			peer.Address = src.IP.To4().String()
			pending[msg.Nonce] = peer

			reply, err := encodeDatagram(datagram{
				Type:   TypeAnnounceReply,
				Nonce:  msg.Nonce,
				Record: own.Record(),
				Echo:   peer.Record(),
			})
			if err != nil {
				return "", err
			}
			if _, err := conn.WriteToUDP(reply, src); err != nil {
				u.log.Debug(fmt.Sprintf("discovery: reply to %s failed: %v", src, err))
			}
		case TypeAnnounceConfirm:
			peer, ok := pending[msg.Nonce]
			if !ok {
				continue
			}
			local, err := ParseRecord(msg.Echo)
			if err != nil || !local.SameDevice(own) {
				continue
			}
			return Pair{Peer: peer, Local: local}.String(), nil
		}
	}
}

// Announce sends one announcement to every probe target and waits up to
// timeout for a listener to answer. An empty result with nil error means no
// listener answered in time.
func (u *UDP) Announce(ctx context.Context, self Self, selfIP string, port int, timeout time.Duration) (string, error) {
	if port <= 0 {
		return "", errors.New("announce port must be > 0")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return "", fmt.Errorf("open announce socket: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set announce deadline: %w", err)
	}

	nonce, err := crypto.RandomSeed(nonceLength)
	if err != nil {
		return "", err
	}
	own := self.descriptor(selfIP, port)
	announce, err := encodeDatagram(datagram{Type: TypeAnnounce, Nonce: nonce, Record: own.Record()})
	if err != nil {
		return "", err
	}

	sent := 0
	for _, target := range u.targets(ctx, self, selfIP) {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: port}
		if _, err := conn.WriteToUDP(announce, addr); err != nil {
			u.log.Debug(fmt.Sprintf("discovery: announce to %s failed: %v", addr, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", errors.New("discovery: no probe target reachable")
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return "", readEndErr(ctx, err)
		}

		msg, err := decodeDatagram(buf[:n])
		if err != nil || msg.Type != TypeAnnounceReply || msg.Nonce != nonce {
			continue
		}
		peer, err := ParseRecord(msg.Record)
		if err != nil || peer.SameDevice(own) {
			continue
		}
		local, err := ParseRecord(msg.Echo)
		if err != nil || !local.SameDevice(own) {
			continue
		}
		peer.Address = src.IP.To4().String()
		peer.Port = port

		confirm, err := encodeDatagram(datagram{
			Type:   TypeAnnounceConfirm,
			Nonce:  nonce,
			Record: own.Record(),
			Echo:   peer.Record(),
		})
		if err != nil {
			return "", err
		}
		if _, err := conn.WriteToUDP(confirm, src); err != nil {
			return "", fmt.Errorf("confirm to %s: %w", src, err)
		}
		return Pair{Peer: peer, Local: local}.String(), nil
	}
}

func (u *UDP) targets(ctx context.Context, self Self, selfIP string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	add := func(ip string) {
		if ip == "" || ip == selfIP {
			return
		}
		if _, ok := seen[ip]; ok {
			return
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}

	if !u.opts.DisableBroadcast {
		add(limitedBroadcast)
		add(directedBroadcast(selfIP))
	}
	add(u.opts.PinnedPeerIP)

	if u.opts.Browser != nil {
		hosts, err := u.opts.Browser.Lookup(ctx, self.PublicKey)
		if err != nil {
			u.log.Debug(fmt.Sprintf("discovery: mdns lookup failed: %v", err))
		}
		for _, host := range hosts {
			add(host)
		}
	}
	return out
}

func readEndErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	return fmt.Errorf("read datagram: %w", err)
}

func encodeDatagram(msg datagram) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery datagram: %w", err)
	}
	if len(payload) > maxDatagramSize {
		return nil, errors.New("discovery datagram exceeds max size " + strconv.Itoa(maxDatagramSize))
	}
	return payload, nil
}

func decodeDatagram(payload []byte) (datagram, error) {
	var msg datagram
	if err := json.Unmarshal(payload, &msg); err != nil {
		return datagram{}, fmt.Errorf("decode discovery datagram: %w", err)
	}
	if msg.Type == "" || msg.Nonce == "" {
		return datagram{}, errors.New("discovery datagram is missing type or nonce")
	}
	return msg, nil
}
