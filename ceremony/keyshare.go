package ceremony

import (
	"fmt"
	"os"
	"path/filepath"

	"lanpair/pairing"
)

// LoadKeyshare reads and validates a keyshare document from path.
func LoadKeyshare(path string) (*pairing.Keyshare, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyshare: %w", err)
	}
	return pairing.ParseKeyshare(raw)
}

// SaveKeyshare writes a keyshare produced by keygen, readable only by the owner.
func SaveKeyshare(path string, document string) error {
	if _, err := pairing.ParseKeyshare([]byte(document)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keyshare directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		return fmt.Errorf("write keyshare: %w", err)
	}
	return nil
}
