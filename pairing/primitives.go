// Package pairing runs one two-device pairing attempt: discovery, leader
// election, the encrypted rendezvous, the master's relay lease and the
// handoff to an external ceremony.
package pairing

import (
	"context"
	"time"

	"github.com/btcsuite/btcutil"

	"lanpair/crypto"
	"lanpair/discovery"
)

// Transport is the set of network and crypto primitives an attempt uses.
type Transport interface {
	LANAddress() string
	GenerateKeyPair() (crypto.KeyPair, error)
	Hash(data []byte) string

	// ListenForAnnouncement and AnnounceAndDiscover return "" when nothing
	// was found within timeout.
	ListenForAnnouncement(ctx context.Context, self discovery.Self, port int, timeout time.Duration) (string, error)
	AnnounceAndDiscover(ctx context.Context, self discovery.Self, selfIP string, port int, probeTimeout time.Duration) (string, error)

	// StartRelay replaces any relay already running on this device.
	StartRelay(port int) error
	// StopRelay is a no-op when no relay runs.
	StopRelay() error

	// PublishEncrypted seals payload to recipient, serves it from the
	// running relay for up to ttl and returns the fetcher's checksum.
	PublishEncrypted(ctx context.Context, port int, ttl time.Duration, recipient []byte, payload string) (string, error)
	// FetchEncrypted returns "" while nothing is published at url.
	FetchEncrypted(ctx context.Context, url string, keyPair crypto.KeyPair, checksum string) (string, error)
}

// CeremonyKind selects what the attempt bootstraps.
type CeremonyKind int

const (
	Keygen CeremonyKind = iota
	Keysign
)

func (k CeremonyKind) String() string {
	if k == Keysign {
		return "keysign"
	}
	return "keygen"
}

// CeremonyParams is everything the external ceremony needs.
type CeremonyParams struct {
	ServerURL string
	PartyID   string
	Committee string
	SessionID string
	// SessionKey is empty; traffic is end-to-end encrypted with the keys below.
	SessionKey string
	// EncryptionKey is the peer's ephemeral public key (hex).
	EncryptionKey string
	// DecryptionKey is the local ephemeral private key (hex).
	DecryptionKey string
	Payload       string

	// Co-signing only.
	Keyshare  *Keyshare
	ToAddress string
	Amount    btcutil.Amount
	Fee       btcutil.Amount
}

// Ceremony runs the external multi-party protocol. Keygen returns the new
// keyshare document; Keysign returns the transaction ID.
type Ceremony interface {
	Keygen(ctx context.Context, params CeremonyParams) (string, error)
	Keysign(ctx context.Context, params CeremonyParams) (string, error)
}
