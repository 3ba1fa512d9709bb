package pairing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Keyshare is the part of a stored keyshare the pairing flow reads. Raw
// holds the full document handed to the signing ceremony.
type Keyshare struct {
	LocalPartyKey string   `json:"local_party_key"`
	CommitteeKeys []string `json:"keygen_committee_keys"`
	PubKey        string   `json:"pub_key"`
	ChainCodeHex  string   `json:"chain_code_hex"`

	Raw json.RawMessage `json:"-"`
}

// ParseKeyshare decodes a keyshare document.
func ParseKeyshare(raw []byte) (*Keyshare, error) {
	var ks Keyshare
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("parse keyshare: %w", err)
	}
	ks.Raw = append(json.RawMessage(nil), raw...)
	if err := ks.validate(); err != nil {
		return nil, err
	}
	return &ks, nil
}

func (k *Keyshare) validate() error {
	if k == nil {
		return fmt.Errorf("%w: keyshare is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(k.LocalPartyKey) == "" {
		return fmt.Errorf("%w: keyshare has no local party key", ErrInvalidRequest)
	}
	if len(k.CommitteeKeys) != 2 {
		return fmt.Errorf("%w: keyshare committee has %d members, want 2", ErrInvalidRequest, len(k.CommitteeKeys))
	}
	if !containsString(k.CommitteeKeys, k.LocalPartyKey) {
		return fmt.Errorf("%w: local party %q is not in the keyshare committee", ErrInvalidRequest, k.LocalPartyKey)
	}
	return nil
}

// otherParty returns the committee member that is not the local party.
func (k *Keyshare) otherParty() string {
	for _, key := range k.CommitteeKeys {
		if key != k.LocalPartyKey {
			return key
		}
	}
	return ""
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
