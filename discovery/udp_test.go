package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestUDPAnnounceAndListenOverLoopback(t *testing.T) {
	port := freeUDPPort(t)
	listenerSelf := testSelf(t, "listener", "KeyShare1")
	announcerSelf := testSelf(t, "announcer", "KeyShare2")

	listener := NewUDP(UDPOptions{ListenHost: "127.0.0.1"})
	announcer := NewUDP(UDPOptions{PinnedPeerIP: "127.0.0.1", DisableBroadcast: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type listenResult struct {
		raw string
		err error
	}
	listened := make(chan listenResult, 1)
	go func() {
		raw, err := listener.Listen(ctx, listenerSelf, port, 4*time.Second)
		listened <- listenResult{raw: raw, err: err}
	}()

	var announced string
	for i := 0; i < 20 && announced == ""; i++ {
		raw, err := announcer.Announce(ctx, announcerSelf, "10.0.0.9", port, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Announce failed: %v", err)
		}
		announced = raw
	}
	if announced == "" {
		t.Fatalf("announcer never heard the listener")
	}

	fromAnnouncer, err := ParsePair(announced)
	if err != nil {
		t.Fatalf("ParsePair(announcer) failed: %v", err)
	}
	if fromAnnouncer.Peer.DisplayName != "listener" || fromAnnouncer.Peer.PartyKey != "KeyShare1" {
		t.Fatalf("unexpected peer seen by announcer: %+v", fromAnnouncer.Peer)
	}
	if fromAnnouncer.Peer.Address != "127.0.0.1" || fromAnnouncer.Peer.Port != port {
		t.Fatalf("expected listener address learned from datagram source, got %s", fromAnnouncer.Peer.HostPort())
	}
	if fromAnnouncer.Local.DisplayName != "announcer" {
		t.Fatalf("unexpected echo: %+v", fromAnnouncer.Local)
	}

	var res listenResult
	select {
	case res = <-listened:
	case <-ctx.Done():
		t.Fatalf("listener did not return")
	}
	if res.err != nil {
		t.Fatalf("Listen failed: %v", res.err)
	}
	fromListener, err := ParsePair(res.raw)
	if err != nil {
		t.Fatalf("ParsePair(listener) failed: %v", err)
	}
	if fromListener.Peer.DisplayName != "announcer" || fromListener.Peer.Address != "127.0.0.1" {
		t.Fatalf("unexpected peer seen by listener: %+v", fromListener.Peer)
	}
	if !fromListener.Local.SameDevice(Descriptor{PublicKey: listenerSelf.PublicKey}) {
		t.Fatalf("listener echo does not carry the listener key")
	}
	if fromListener.Local.Address != "127.0.0.1" {
		t.Fatalf("expected listener to learn its own address from the echo, got %s", fromListener.Local.Address)
	}
}

func TestUDPListenTimesOutWithEmptyResult(t *testing.T) {
	listener := NewUDP(UDPOptions{ListenHost: "127.0.0.1"})
	raw, err := listener.Listen(context.Background(), testSelf(t, "alone", ""), freeUDPPort(t), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if raw != "" {
		t.Fatalf("expected empty result, got %q", raw)
	}
}

func TestUDPListenReturnsOnCancel(t *testing.T) {
	listener := NewUDP(UDPOptions{ListenHost: "127.0.0.1"})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := listener.Listen(ctx, testSelf(t, "alone", ""), freeUDPPort(t), 5*time.Second)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUDPIgnoresOwnAnnouncement(t *testing.T) {
	port := freeUDPPort(t)
	self := testSelf(t, "same", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	listener := NewUDP(UDPOptions{ListenHost: "127.0.0.1"})
	listened := make(chan string, 1)
	go func() {
		raw, _ := listener.Listen(ctx, self, port, 600*time.Millisecond)
		listened <- raw
	}()
	time.Sleep(50 * time.Millisecond)

	announcer := NewUDP(UDPOptions{PinnedPeerIP: "127.0.0.1", DisableBroadcast: true})
	raw, err := announcer.Announce(ctx, self, "10.0.0.9", port, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if raw != "" {
		t.Fatalf("expected no reply to own announcement, got %q", raw)
	}
	if got := <-listened; got != "" {
		t.Fatalf("expected listener to ignore own announcement, got %q", got)
	}
}

func TestUDPAnnounceWithoutTargets(t *testing.T) {
	announcer := NewUDP(UDPOptions{DisableBroadcast: true})
	if _, err := announcer.Announce(context.Background(), testSelf(t, "x", ""), "10.0.0.9", 55055, 50*time.Millisecond); err == nil {
		t.Fatalf("expected error when no probe target exists")
	}
}

func TestDatagramDecodeRejectsIncomplete(t *testing.T) {
	if _, err := decodeDatagram([]byte(`{"type":"announce"}`)); err == nil {
		t.Fatalf("expected missing nonce to be rejected")
	}
	if _, err := decodeDatagram([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed datagram to be rejected")
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port
}
