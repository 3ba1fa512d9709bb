package crypto

import (
	"testing"
)

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	first, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	second, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if first.PublicKey == second.PublicKey {
		t.Fatalf("expected distinct public keys")
	}
	if len(first.PublicHex()) != 2*KeySize {
		t.Fatalf("expected %d hex chars, got %d", 2*KeySize, len(first.PublicHex()))
	}

	parsed, err := ParsePublicKey(first.PublicHex())
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if string(parsed) != string(first.PublicKey[:]) {
		t.Fatalf("parsed public key does not match")
	}
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
	if _, err := ParsePublicKey("zz"); err == nil {
		t.Fatalf("expected non-hex key to be rejected")
	}
}

func TestWipeClearsPrivateKey(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	keyPair.Wipe()
	if keyPair.PrivateKey != [KeySize]byte{} {
		t.Fatalf("expected private key to be zeroed")
	}
}

func TestFormatFingerprintGroupsChunks(t *testing.T) {
	if got := FormatFingerprint("ab12cd34ef"); got != "AB12 CD34 EF" {
		t.Fatalf("unexpected fingerprint format: %q", got)
	}
	if got := FormatFingerprint(""); got != "" {
		t.Fatalf("expected empty fingerprint, got %q", got)
	}
}
