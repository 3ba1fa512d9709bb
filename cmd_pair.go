package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcutil"

	"lanpair/ceremony"
	"lanpair/crypto"
	"lanpair/pairing"
	"lanpair/storage"
	"lanpair/transport"
)

func init() {
	if _, err := parser.AddCommand("keygen", "Create a 2-of-2 keyshare with a second device", "", &cmdKeygen{}); err != nil {
		panic(err)
	}
	if _, err := parser.AddCommand("cosign", "Co-sign a bitcoin transaction with the paired device", "", &cmdCosign{}); err != nil {
		panic(err)
	}
}

type cmdKeygen struct {
	Name  string `long:"name" description:"Name shown on the other device (defaults to the configured device name)"`
	Force bool   `long:"force" description:"Overwrite an existing keyshare"`
}

type cmdCosign struct {
	Name   string `long:"name" description:"Name shown on the other device (defaults to the configured device name)"`
	To     string `long:"to" required:"yes" description:"Destination bitcoin address"`
	Amount int64  `long:"amount" required:"yes" description:"Amount to send in satoshis"`
	Fee    int64  `long:"fee" description:"Fee in satoshis"`
}

var errKeyshareExists = errors.New("a keyshare already exists, pass --force to replace it")

func (c *cmdKeygen) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if !c.Force {
		if _, err := ceremony.LoadKeyshare(e.cfg.KeysharePath); err == nil {
			return errKeyshareExists
		}
	}

	result, err := runAttempt(e, pairing.Request{
		Kind:        pairing.Keygen,
		DisplayName: displayName(c.Name, e.cfg.DeviceName),
	})
	if err != nil {
		return err
	}

	if err := ceremony.SaveKeyshare(e.cfg.KeysharePath, result.Output); err != nil {
		return fmt.Errorf("save keyshare: %w", err)
	}
	fmt.Fprintf(Stdout, "Keyshare saved:  %s\n", e.cfg.KeysharePath)
	return nil
}

func (c *cmdCosign) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	keyshare, err := ceremony.LoadKeyshare(e.cfg.KeysharePath)
	if err != nil {
		return err
	}

	result, err := runAttempt(e, pairing.Request{
		Kind:        pairing.Keysign,
		DisplayName: displayName(c.Name, e.cfg.DeviceName),
		Keyshare:    keyshare,
		Send: &pairing.SendRequest{
			ToAddress: c.To,
			Amount:    btcutil.Amount(c.Amount),
			Fee:       btcutil.Amount(c.Fee),
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(Stdout, "Transaction ID:  %s\n", result.Output)
	return nil
}

func displayName(flagValue, configured string) string {
	if flagValue != "" {
		return flagValue
	}
	return configured
}

// runAttempt runs one pairing attempt until it finishes or the process is
// interrupted. Every state change is journaled and echoed to Stdout.
func runAttempt(e *env, req pairing.Request) (pairing.Result, error) {
	cfg := e.cfg
	provider := transport.New(transport.Options{
		PinnedPeerIP: cfg.PinnedPeerIP,
		Logger:       e.log,
	})
	runner := &ceremony.ExecRunner{
		Command: cfg.CeremonyCommand,
		Network: cfg.BitcoinNetwork,
		Logger:  e.log,
	}

	attempt := pairing.NewAttempt(provider, runner, req, pairing.Options{
		Port:             cfg.DiscoveryPort,
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
		ProbeTimeout:     cfg.ProbeTimeout(),
		SettleDelay:      cfg.SettleDelay(),
		RelayGrace:       cfg.RelayGrace(),
		CeremonyTimeout:  cfg.CeremonyTimeout(),
		Network:          pairing.NetworkParams(cfg.BitcoinNetwork),
		Logger:           e.log,
	})

	journalEvents, stopJournal := attempt.Subscribe()
	defer stopJournal()
	journaled := storage.NewJournal(e.store, e.log).Follow(journalEvents)

	progressEvents, stopProgress := attempt.Subscribe()
	defer stopProgress()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range progressEvents {
			printEvent(ev)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(Stdout, "Attempt:         %s (%s)\n", attempt.ID(), req.Kind)
	fmt.Fprintf(Stdout, "Device Name:     %s\n", req.DisplayName)
	fmt.Fprintln(Stdout, "Status:          searching for the other device (press Ctrl+C to cancel)")

	result, err := attempt.Run(ctx)
	<-journaled
	<-printed
	if err != nil {
		return pairing.Result{}, errors.New(pairing.UserMessage(err))
	}
	return result, nil
}

// sessionFingerprint is the grouped session ID prefix both devices display.
func sessionFingerprint(sessionID string) string {
	if len(sessionID) > 16 {
		sessionID = sessionID[:16]
	}
	return crypto.FormatFingerprint(sessionID)
}

func printEvent(ev pairing.Event) {
	switch ev.State {
	case pairing.StateRoleElected:
		fmt.Fprintf(Stdout, "Paired with:     %s [%s], acting as %s\n", ev.PeerName, ev.PeerCode, ev.Role)
	case pairing.StateExchanging:
		fmt.Fprintln(Stdout, "Status:          exchanging session payload")
	case pairing.StateCeremonyRunning:
		fmt.Fprintf(Stdout, "Status:          %s ceremony running\n", ev.Kind)
		fmt.Fprintf(Stdout, "Session:         %s\n", sessionFingerprint(ev.SessionID))
	case pairing.StateDone:
		fmt.Fprintln(Stdout, "Status:          done")
	case pairing.StateFailed:
		kind := pairing.KindOf(ev.Err)
		if kind.Retryable() {
			fmt.Fprintf(Stdout, "Status:          failed (%s), safe to retry\n", kind)
		} else {
			fmt.Fprintf(Stdout, "Status:          failed (%s)\n", kind)
		}
	}
}
