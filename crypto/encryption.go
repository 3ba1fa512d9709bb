package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// ErrOpenFailed indicates the sealed payload was not addressed to this keypair or was tampered with.
var ErrOpenFailed = errors.New("crypto: sealed payload could not be opened")

// Seal encrypts plaintext to the recipient public key with an anonymous sealed box
// and returns base64 text.
func Seal(recipientPublicKey, plaintext []byte) (string, error) {
	if len(recipientPublicKey) != KeySize {
		return "", fmt.Errorf("invalid recipient key length: got %d want %d", len(recipientPublicKey), KeySize)
	}
	if len(plaintext) == 0 {
		return "", errors.New("plaintext is required")
	}

	var recipient [KeySize]byte
	copy(recipient[:], recipientPublicKey)

	sealed, err := box.SealAnonymous(nil, plaintext, &recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 sealed box with the local keypair.
func Open(keyPair KeyPair, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	if len(raw) <= box.AnonymousOverhead {
		return nil, errors.New("sealed payload is too short")
	}

	plaintext, ok := box.OpenAnonymous(nil, raw, &keyPair.PublicKey, &keyPair.PrivateKey)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
