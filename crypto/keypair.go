package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of Curve25519 box keys.
const KeySize = 32

// KeyPair is an ephemeral Curve25519 keypair scoped to one pairing attempt.
type KeyPair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeyPair creates a fresh box keypair.
func GenerateKeyPair() (KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate box keypair: %w", err)
	}
	return KeyPair{PublicKey: *publicKey, PrivateKey: *privateKey}, nil
}

// PublicHex returns the lowercase hex public key as advertised on the wire.
func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.PublicKey[:])
}

// PrivateHex returns the hex private key handed to the ceremony as its decryption key.
func (k KeyPair) PrivateHex() string {
	return hex.EncodeToString(k.PrivateKey[:])
}

// Wipe zeroes the private key.
func (k *KeyPair) Wipe() {
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
}

// ParsePublicKey decodes a hex public key and checks its length.
func ParsePublicKey(raw string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != KeySize {
		return nil, fmt.Errorf("decode public key: invalid key size %d", len(decoded))
	}
	return decoded, nil
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
