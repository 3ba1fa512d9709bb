// Package ceremony runs the external keygen and keysign binaries a pairing
// attempt hands off to.
package ceremony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"lanpair/logging"
	"lanpair/pairing"
	"lanpair/relay"
)

const (
	// DefaultDerivationPath is the BIP44 path of the signing key.
	DefaultDerivationPath = "m/44'/0'/0'/0/0"
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultCompletionWait = 2 * time.Second
)

var (
	// ErrNoCommand is returned when no ceremony executable is configured.
	ErrNoCommand = errors.New("ceremony: no ceremony command configured")

	txIDPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// request is the JSON document written to the ceremony's stdin.
type request struct {
	ServerURL     string          `json:"server"`
	PartyID       string          `json:"party_id"`
	Committee     []string        `json:"committee"`
	SessionID     string          `json:"session_id"`
	SessionKey    string          `json:"session_key"`
	EncryptionKey string          `json:"encryption_key"`
	DecryptionKey string          `json:"decryption_key"`
	Payload       string          `json:"payload"`
	Keyshare      json.RawMessage `json:"keyshare,omitempty"`
	Derivation    string          `json:"derivation_path,omitempty"`
	Network       string          `json:"network,omitempty"`
	ToAddress     string          `json:"to_address,omitempty"`
	Amount        int64           `json:"satoshi_amount,omitempty"`
	Fee           int64           `json:"satoshi_fee,omitempty"`
}

// ExecRunner implements pairing.Ceremony by running Command with "keygen" or
// "keysign" as its only argument. Before running it, the local party joins
// the relay session and waits for the rest of the committee.
type ExecRunner struct {
	Command        string
	Network        string
	DerivationPath string
	Client         *relay.Client
	PollInterval   time.Duration
	CompletionWait time.Duration
	Logger         logging.Logger
}

var _ pairing.Ceremony = (*ExecRunner)(nil)

func (r *ExecRunner) withDefaults() ExecRunner {
	out := *r
	if out.DerivationPath == "" {
		out.DerivationPath = DefaultDerivationPath
	}
	if out.Client == nil {
		out.Client = relay.NewClient(relay.DefaultClientTimeout)
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.CompletionWait <= 0 {
		out.CompletionWait = DefaultCompletionWait
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

// Keygen runs the keygen ceremony and returns the new keyshare document.
func (r *ExecRunner) Keygen(ctx context.Context, params pairing.CeremonyParams) (string, error) {
	out, err := r.run(ctx, "keygen", params)
	if err != nil {
		return "", err
	}
	if _, err := pairing.ParseKeyshare([]byte(out)); err != nil {
		return "", fmt.Errorf("keygen returned an invalid keyshare: %w", err)
	}
	return out, nil
}

// Keysign runs the signing ceremony and returns the transaction ID.
func (r *ExecRunner) Keysign(ctx context.Context, params pairing.CeremonyParams) (string, error) {
	if params.Keyshare == nil {
		return "", errors.New("keysign requires a keyshare")
	}
	out, err := r.run(ctx, "keysign", params)
	if err != nil {
		return "", err
	}
	if !txIDPattern.MatchString(out) {
		// The ceremony reports failures on stdout too.
		return "", errors.New(out)
	}
	return out, nil
}

func (r *ExecRunner) run(ctx context.Context, kind string, params pairing.CeremonyParams) (string, error) {
	cfg := r.withDefaults()
	if strings.TrimSpace(cfg.Command) == "" {
		return "", ErrNoCommand
	}

	committee := strings.Split(params.Committee, ",")
	if err := cfg.join(ctx, params, committee); err != nil {
		return "", err
	}

	in := request{
		ServerURL:     params.ServerURL,
		PartyID:       params.PartyID,
		Committee:     committee,
		SessionID:     params.SessionID,
		SessionKey:    params.SessionKey,
		EncryptionKey: params.EncryptionKey,
		DecryptionKey: params.DecryptionKey,
		Payload:       params.Payload,
	}
	if params.Keyshare != nil {
		in.Keyshare = params.Keyshare.Raw
		in.Derivation = cfg.DerivationPath
		in.Network = cfg.Network
		in.ToAddress = params.ToAddress
		in.Amount = int64(params.Amount)
		in.Fee = int64(params.Fee)
	}
	stdin, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal ceremony request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cfg.Command, kind)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	cfg.Logger.Info(fmt.Sprintf("ceremony: %s started party=%s session=%s", kind, params.PartyID, params.SessionID))
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.New(msg)
		}
		return "", fmt.Errorf("%s: %w", kind, err)
	}
	cfg.Logger.Info(fmt.Sprintf("ceremony: %s finished party=%s elapsed=%s", kind, params.PartyID, time.Since(started).Round(time.Millisecond)))

	cfg.finish(ctx, params, committee)
	return strings.TrimSpace(stdout.String()), nil
}

// join registers the local party and waits until every committee member has.
func (r ExecRunner) join(ctx context.Context, params pairing.CeremonyParams, committee []string) error {
	if err := r.Client.RegisterParties(ctx, params.ServerURL, params.SessionID, []string{params.PartyID}); err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		parties, err := r.Client.Parties(ctx, params.ServerURL, params.SessionID)
		if err != nil {
			return fmt.Errorf("list session parties: %w", err)
		}
		if containsAll(parties, committee) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// finish marks the local party complete and briefly waits for the others so
// the master does not tear down the relay under a peer's last round.
func (r ExecRunner) finish(ctx context.Context, params pairing.CeremonyParams, committee []string) {
	if err := r.Client.MarkComplete(ctx, params.ServerURL, params.SessionID, params.PartyID); err != nil {
		r.Logger.Warn(fmt.Sprintf("ceremony: mark complete failed: %v", err))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.CompletionWait)
	defer cancel()
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		done, err := r.Client.Completed(waitCtx, params.ServerURL, params.SessionID)
		if err == nil && containsAll(done, committee) {
			return
		}
		select {
		case <-waitCtx.Done():
			r.Logger.Debug("ceremony: peer completion not observed")
			return
		case <-ticker.C:
		}
	}
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
