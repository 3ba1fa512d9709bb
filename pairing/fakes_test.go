package pairing

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"lanpair/crypto"
	"lanpair/discovery"
)

const testPort = 55055

type listenerEntry struct {
	self discovery.Self
	ch   chan string
}

type fakeSlot struct {
	sealed  string
	fetched chan string
	once    sync.Once
}

// fakeLAN connects fake devices in memory. Announcements reach whichever
// other device is listening; the relay is a per-IP payload slot.
type fakeLAN struct {
	mu        sync.Mutex
	listeners map[string]listenerEntry
	slots     map[string]*fakeSlot
}

func newFakeLAN() *fakeLAN {
	return &fakeLAN{
		listeners: make(map[string]listenerEntry),
		slots:     make(map[string]*fakeSlot),
	}
}

func (l *fakeLAN) device(ip string) *fakeDevice {
	return &fakeDevice{lan: l, ip: ip}
}

type fakeDevice struct {
	lan *fakeLAN
	ip  string

	mu            sync.Mutex
	relayRunning  bool
	starts        int
	stops         int
	listenCalls   int
	announceCalls int
	startErr      error
}

func (d *fakeDevice) LANAddress() string { return d.ip }

func (d *fakeDevice) GenerateKeyPair() (crypto.KeyPair, error) { return crypto.GenerateKeyPair() }

func (d *fakeDevice) Hash(data []byte) string { return crypto.Hash(data) }

func (d *fakeDevice) ListenForAnnouncement(ctx context.Context, self discovery.Self, port int, timeout time.Duration) (string, error) {
	d.mu.Lock()
	d.listenCalls++
	d.mu.Unlock()

	ch := make(chan string, 1)
	d.lan.mu.Lock()
	d.lan.listeners[d.ip] = listenerEntry{self: self, ch: ch}
	d.lan.mu.Unlock()
	defer func() {
		d.lan.mu.Lock()
		delete(d.lan.listeners, d.ip)
		d.lan.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-ch:
		return raw, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *fakeDevice) AnnounceAndDiscover(ctx context.Context, self discovery.Self, selfIP string, port int, timeout time.Duration) (string, error) {
	d.mu.Lock()
	d.announceCalls++
	d.mu.Unlock()

	d.lan.mu.Lock()
	for ip, entry := range d.lan.listeners {
		if ip == d.ip {
			continue
		}
		local := descriptorOf(self, selfIP, port)
		remote := descriptorOf(entry.self, ip, port)
		select {
		case entry.ch <- discovery.Pair{Peer: local, Local: remote}.String():
		default:
		}
		d.lan.mu.Unlock()
		return discovery.Pair{Peer: remote, Local: local}.String(), nil
	}
	d.lan.mu.Unlock()

	wait := 20 * time.Millisecond
	if timeout < wait {
		wait = timeout
	}
	select {
	case <-time.After(wait):
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *fakeDevice) StartRelay(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.relayRunning = true
	d.starts++
	return nil
}

func (d *fakeDevice) StopRelay() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.relayRunning {
		d.relayRunning = false
		d.stops++
	}
	return nil
}

func (d *fakeDevice) PublishEncrypted(ctx context.Context, port int, ttl time.Duration, recipient []byte, payload string) (string, error) {
	d.mu.Lock()
	running := d.relayRunning
	d.mu.Unlock()
	if !running {
		return "", errors.New("relay not running")
	}

	sealed, err := crypto.Seal(recipient, []byte(payload))
	if err != nil {
		return "", err
	}
	slot := &fakeSlot{sealed: sealed, fetched: make(chan string, 1)}
	d.lan.mu.Lock()
	d.lan.slots[d.ip] = slot
	d.lan.mu.Unlock()

	timer := time.NewTimer(ttl)
	defer timer.Stop()
	select {
	case checksum := <-slot.fetched:
		return checksum, nil
	case <-timer.C:
		return "", errors.New("not fetched")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *fakeDevice) FetchEncrypted(ctx context.Context, url string, keyPair crypto.KeyPair, checksum string) (string, error) {
	hostPort := strings.TrimSuffix(strings.TrimPrefix(url, "http://"), "/")
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", err
	}

	d.lan.mu.Lock()
	slot := d.lan.slots[host]
	d.lan.mu.Unlock()
	if slot == nil {
		return "", nil
	}
	slot.once.Do(func() { slot.fetched <- checksum })

	plaintext, err := crypto.Open(keyPair, slot.sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (d *fakeDevice) relayCounts() (starts, stops int, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.relayRunning
}

func descriptorOf(self discovery.Self, ip string, port int) discovery.Descriptor {
	return discovery.Descriptor{
		Address:     ip,
		Port:        port,
		DisplayName: self.DisplayName,
		PartyKey:    self.PartyKey,
		PublicKey:   self.PublicKey,
	}
}

type fakeCeremony struct {
	mu     sync.Mutex
	calls  []CeremonyParams
	err    error
	output string
}

func (c *fakeCeremony) Keygen(ctx context.Context, params CeremonyParams) (string, error) {
	return c.record(params)
}

func (c *fakeCeremony) Keysign(ctx context.Context, params CeremonyParams) (string, error) {
	return c.record(params)
}

func (c *fakeCeremony) record(params CeremonyParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, params)
	if c.err != nil {
		return "", c.err
	}
	if c.output != "" {
		return c.output, nil
	}
	return "out-" + params.PartyID, nil
}

func (c *fakeCeremony) invocations() []CeremonyParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CeremonyParams(nil), c.calls...)
}

func testOptions() Options {
	return Options{
		Port:             testPort,
		DiscoveryTimeout: 2 * time.Second,
		ProbeTimeout:     50 * time.Millisecond,
		SettleDelay:      time.Millisecond,
		RelayGrace:       time.Millisecond,
		CeremonyTimeout:  2 * time.Second,
		FetchInterval:    10 * time.Millisecond,
	}
}

type runOutcome struct {
	result Result
	err    error
}

func runBoth(a, b *Attempt) (runOutcome, runOutcome) {
	var wg sync.WaitGroup
	var outA, outB runOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA.result, outA.err = a.Run(context.Background())
	}()
	go func() {
		defer wg.Done()
		outB.result, outB.err = b.Run(context.Background())
	}()
	wg.Wait()
	return outA, outB
}
