package discovery

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"lanpair/crypto"
)

const (
	recordSeparator = ","
	fieldSeparator  = "@"
	// unknownAddress is advertised by a listener that does not know its own LAN IP.
	unknownAddress = "0.0.0.0"
)

// ErrInvalidRecord indicates a descriptor record does not follow the wire format.
var ErrInvalidRecord = errors.New("discovery: invalid descriptor record")

// Self is what the local device advertises about itself during discovery.
type Self struct {
	DisplayName string
	PartyKey    string
	PublicKey   []byte
}

// Descriptor is one device as seen on the wire: ipv4:port@hexName@publicKeyHex.
//
// The hex-encoded name carries the display name, optionally followed by
// "@partyKey" when the device takes part in co-signing.
type Descriptor struct {
	Address     string
	Port        int
	DisplayName string
	PartyKey    string
	PublicKey   []byte
}

func (s Self) descriptor(address string, port int) Descriptor {
	if address == "" {
		address = unknownAddress
	}
	return Descriptor{
		Address:     address,
		Port:        port,
		DisplayName: s.DisplayName,
		PartyKey:    s.PartyKey,
		PublicKey:   s.PublicKey,
	}
}

// HostPort returns "address:port".
func (d Descriptor) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// PublicHex returns the hex public key.
func (d Descriptor) PublicHex() string {
	return hex.EncodeToString(d.PublicKey)
}

// Record encodes the descriptor in its wire form.
func (d Descriptor) Record() string {
	name := d.DisplayName
	if d.PartyKey != "" {
		name += fieldSeparator + d.PartyKey
	}
	return d.HostPort() + fieldSeparator + hex.EncodeToString([]byte(name)) + fieldSeparator + d.PublicHex()
}

// SameDevice reports whether both descriptors advertise the same public key.
func (d Descriptor) SameDevice(other Descriptor) bool {
	return len(d.PublicKey) > 0 && bytes.Equal(d.PublicKey, other.PublicKey)
}

// ParseRecord decodes one wire record.
func ParseRecord(raw string) (Descriptor, error) {
	fields := strings.Split(strings.TrimSpace(raw), fieldSeparator)
	if len(fields) != 3 {
		return Descriptor{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidRecord, len(fields))
	}

	host, portText, err := net.SplitHostPort(fields[0])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: address %q: %v", ErrInvalidRecord, fields[0], err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return Descriptor{}, fmt.Errorf("%w: address %q is not IPv4", ErrInvalidRecord, host)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Descriptor{}, fmt.Errorf("%w: invalid port %q", ErrInvalidRecord, portText)
	}

	nameRaw, err := hex.DecodeString(fields[1])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: name: %v", ErrInvalidRecord, err)
	}
	name, party, _ := strings.Cut(string(nameRaw), fieldSeparator)

	publicKey, err := crypto.ParsePublicKey(fields[2])
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return Descriptor{
		Address:     ip.To4().String(),
		Port:        port,
		DisplayName: name,
		PartyKey:    party,
		PublicKey:   publicKey,
	}, nil
}

// Pair is the result of a discovery: the peer's self-description and the
// peer's echo of the local device.
type Pair struct {
	Peer  Descriptor
	Local Descriptor
}

// String encodes the pair as "peerRecord,localEchoRecord".
func (p Pair) String() string {
	return p.Peer.Record() + recordSeparator + p.Local.Record()
}

// ParsePair decodes "peerRecord,localEchoRecord".
func ParsePair(raw string) (Pair, error) {
	records := strings.Split(strings.TrimSpace(raw), recordSeparator)
	if len(records) != 2 {
		return Pair{}, fmt.Errorf("%w: expected 2 records, got %d", ErrInvalidRecord, len(records))
	}

	peer, err := ParseRecord(records[0])
	if err != nil {
		return Pair{}, fmt.Errorf("peer record: %w", err)
	}
	local, err := ParseRecord(records[1])
	if err != nil {
		return Pair{}, fmt.Errorf("local echo record: %w", err)
	}
	return Pair{Peer: peer, Local: local}, nil
}
