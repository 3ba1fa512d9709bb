package pairing

import (
	"fmt"
	"net"

	"lanpair/discovery"
)

// Role is the side a device plays after election.
type Role int

const (
	RoleUnknown Role = iota
	// Master owns the relay and creates the rendezvous payload.
	Master
	// Peer fetches the payload from the master's relay.
	Peer
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Peer:
		return "peer"
	default:
		return "unknown"
	}
}

// Elect compares the last IPv4 octet of both devices. The greater one is
// Master. Both devices are assumed to share one /24; equal octets are
// reported as ErrAmbiguousRole and never broken.
func Elect(local, peer discovery.Descriptor) (Role, error) {
	localOctet, err := lastOctet(local.Address)
	if err != nil {
		return RoleUnknown, fmt.Errorf("local address: %w", err)
	}
	peerOctet, err := lastOctet(peer.Address)
	if err != nil {
		return RoleUnknown, fmt.Errorf("peer address: %w", err)
	}

	switch {
	case localOctet > peerOctet:
		return Master, nil
	case localOctet < peerOctet:
		return Peer, nil
	default:
		return RoleUnknown, ErrAmbiguousRole
	}
}

func lastOctet(address string) (int, error) {
	ip := net.ParseIP(address).To4()
	if ip == nil {
		return 0, fmt.Errorf("%q is not an IPv4 address", address)
	}
	return int(ip[3]), nil
}
