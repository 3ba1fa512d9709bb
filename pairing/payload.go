package pairing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
)

const payloadSeparator = ":"

// SendRequest is what a co-signing attempt is asked to sign.
type SendRequest struct {
	ToAddress string
	Amount    btcutil.Amount
	Fee       btcutil.Amount
}

// Validate checks the request against network before any discovery starts.
func (r *SendRequest) Validate(network *chaincfg.Params) error {
	if r == nil {
		return fmt.Errorf("%w: send request is required", ErrInvalidRequest)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if r.Fee < 0 {
		return fmt.Errorf("%w: fee must be >= 0", ErrInvalidRequest)
	}
	if strings.Contains(r.ToAddress, payloadSeparator) {
		return fmt.Errorf("%w: destination address contains %q", ErrInvalidRequest, payloadSeparator)
	}
	addr, err := btcutil.DecodeAddress(r.ToAddress, network)
	if err != nil {
		return fmt.Errorf("%w: destination address: %v", ErrInvalidRequest, err)
	}
	if !addr.IsForNet(network) {
		return fmt.Errorf("%w: destination address is not for %s", ErrInvalidRequest, network.Name)
	}
	return nil
}

// NetworkParams maps a configured network name to chain parameters.
func NetworkParams(name string) *chaincfg.Params {
	switch strings.ToLower(name) {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.MainNetParams
	}
}

// Payload is the decoded rendezvous payload.
type Payload struct {
	Seed      string
	Amount    btcutil.Amount
	Fee       btcutil.Amount
	PartyKey  string
	ToAddress string
	Signing   bool
}

// BuildPayload returns the seed alone for keygen, or
// seed:amount:fee:partyKey:toAddress for co-signing.
func BuildPayload(seed string, send *SendRequest, partyKey string) string {
	if send == nil {
		return seed
	}
	fields := []string{
		seed,
		strconv.FormatInt(int64(send.Amount), 10),
		strconv.FormatInt(int64(send.Fee), 10),
		partyKey,
	}
	if send.ToAddress != "" {
		fields = append(fields, send.ToAddress)
	}
	return strings.Join(fields, payloadSeparator)
}

// ParsePayload decodes a rendezvous payload. Four-field payloads without a
// destination address are accepted.
func ParsePayload(raw string) (Payload, error) {
	fields := strings.Split(raw, payloadSeparator)
	if fields[0] == "" {
		return Payload{}, fmt.Errorf("%w: empty seed", ErrInvalidRequest)
	}

	switch len(fields) {
	case 1:
		return Payload{Seed: fields[0]}, nil
	case 4, 5:
	default:
		return Payload{}, fmt.Errorf("%w: payload has %d fields", ErrInvalidRequest, len(fields))
	}

	amount, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload amount: %v", ErrInvalidRequest, err)
	}
	fee, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload fee: %v", ErrInvalidRequest, err)
	}

	p := Payload{
		Seed:     fields[0],
		Amount:   btcutil.Amount(amount),
		Fee:      btcutil.Amount(fee),
		PartyKey: fields[3],
		Signing:  true,
	}
	if len(fields) == 5 {
		p.ToAddress = fields[4]
	}
	return p, nil
}

// Checksum is what the peer sends with its fetch: hash(masterPublicHex/amount).
// The master recomputes it from its own request to confirm both devices
// agree on the amount. Keygen uses amount 0.
func Checksum(hash func([]byte) string, masterPublicHex string, amount btcutil.Amount) string {
	return hash([]byte(masterPublicHex + "/" + strconv.FormatInt(int64(amount), 10)))
}

// matches reports how p differs from the local request, or nil.
func (p Payload) matches(send *SendRequest) error {
	if send == nil {
		if p.Signing {
			return fmt.Errorf("%w: peer sent a co-signing payload to a keygen attempt", ErrInvalidRequest)
		}
		return nil
	}
	if !p.Signing {
		return fmt.Errorf("%w: peer sent a keygen payload to a co-signing attempt", ErrInvalidRequest)
	}
	if p.Amount != send.Amount {
		return fmt.Errorf("%w: amount %d, peer has %d", ErrAmountMismatch, send.Amount, p.Amount)
	}
	if p.Fee != send.Fee {
		return fmt.Errorf("%w: fee %d, peer has %d", ErrAmountMismatch, send.Fee, p.Fee)
	}
	if p.ToAddress != "" && p.ToAddress != send.ToAddress {
		return fmt.Errorf("%w: destination differs", ErrAmountMismatch)
	}
	return nil
}
