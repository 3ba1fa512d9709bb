package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultSeedLength is the number of hex characters in a rendezvous seed.
const DefaultSeedLength = 64

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomSeed returns n lowercase hex characters drawn from crypto/rand.
func RandomSeed(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("seed length must be > 0")
	}

	raw := make([]byte, (n+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return hex.EncodeToString(raw)[:n], nil
}

// ShortID returns the 4-character code both devices display for one device.
func ShortID(deviceName, ip string) string {
	return strings.ToUpper(Hash([]byte(deviceName + ip))[:4])
}
