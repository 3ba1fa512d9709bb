package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/retry.v1"

	"lanpair/logging"
)

const (
	DefaultRaceDeadline    = 30 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultMaxProbeTimeout = 10 * time.Second
	DefaultProbeStep       = time.Second
	DefaultProbeInterval   = 200 * time.Millisecond
)

// ErrTimeout is returned when neither side of the race finds a peer before the deadline.
var ErrTimeout = errors.New("discovery: no peer found before deadline")

// Listener waits for an inbound announcement for up to timeout.
// An empty result means nothing arrived.
type Listener interface {
	Listen(ctx context.Context, self Self, port int, timeout time.Duration) (string, error)
}

// Announcer runs one discovery probe bounded by timeout.
// An empty result means no peer answered.
type Announcer interface {
	Announce(ctx context.Context, self Self, selfIP string, port int, timeout time.Duration) (string, error)
}

// ListenFunc adapts a function to Listener.
type ListenFunc func(ctx context.Context, self Self, port int, timeout time.Duration) (string, error)

// Listen calls f.
func (f ListenFunc) Listen(ctx context.Context, self Self, port int, timeout time.Duration) (string, error) {
	return f(ctx, self, port, timeout)
}

// AnnounceFunc adapts a function to Announcer.
type AnnounceFunc func(ctx context.Context, self Self, selfIP string, port int, timeout time.Duration) (string, error)

// Announce calls f.
func (f AnnounceFunc) Announce(ctx context.Context, self Self, selfIP string, port int, timeout time.Duration) (string, error) {
	return f(ctx, self, selfIP, port, timeout)
}

// RaceConfig controls one discovery race.
type RaceConfig struct {
	Self    Self
	LocalIP string
	Port    int

	// Deadline bounds the whole race.
	Deadline time.Duration
	// ProbeTimeout is the base timeout of each announcer probe. Probe n waits
	// ProbeTimeout + 2^n*ProbeStep, capped at MaxProbeTimeout.
	ProbeTimeout    time.Duration
	MaxProbeTimeout time.Duration
	ProbeStep       time.Duration
	// ProbeInterval is the first pause between probes; it doubles up to one second.
	ProbeInterval time.Duration

	Logger logging.Logger
}

func (c RaceConfig) withDefaults() RaceConfig {
	out := c
	if out.Deadline <= 0 {
		out.Deadline = DefaultRaceDeadline
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.MaxProbeTimeout <= 0 {
		out.MaxProbeTimeout = DefaultMaxProbeTimeout
	}
	if out.ProbeStep <= 0 {
		out.ProbeStep = DefaultProbeStep
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = DefaultProbeInterval
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

func (c RaceConfig) probeTimeout(n int) time.Duration {
	if n > 16 {
		return c.MaxProbeTimeout
	}
	timeout := c.ProbeTimeout + (time.Duration(1)<<uint(n))*c.ProbeStep
	if timeout > c.MaxProbeTimeout {
		return c.MaxProbeTimeout
	}
	return timeout
}

type raceResult struct {
	source string
	raw    string
	err    error
}

// Race runs the listener and the announcer concurrently against one deadline
// and returns the first valid pair either of them produces.
//
// The losing side is cancelled and awaited before Race returns, so no result
// can surface after the call. The announcer is skipped when LocalIP is empty.
func Race(ctx context.Context, config RaceConfig, listener Listener, announcer Announcer) (Pair, error) {
	cfg := config.withDefaults()
	log := cfg.Logger

	raceCtx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	results := make(chan raceResult, 2)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	pending := 0
	if listener != nil {
		pending++
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := listener.Listen(raceCtx, cfg.Self, cfg.Port, cfg.Deadline)
			results <- raceResult{source: "listener", raw: raw, err: err}
		}()
	}

	if announcer != nil && cfg.LocalIP != "" {
		pending++
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := announceLoop(raceCtx, cfg, announcer)
			results <- raceResult{source: "announcer", raw: raw, err: err}
		}()
	} else if announcer != nil {
		log.Info("discovery: no lan address, listening only")
	}

	for pending > 0 {
		select {
		case res := <-results:
			pending--
			if res.err != nil && raceCtx.Err() == nil {
				log.Warn(fmt.Sprintf("discovery: %s failed: %v", res.source, res.err))
			}
			if res.raw == "" {
				continue
			}
			pair, err := ParsePair(res.raw)
			if err != nil {
				log.Warn(fmt.Sprintf("discovery: %s returned malformed pair: %v", res.source, err))
				continue
			}
			if !bytes.Equal(pair.Local.PublicKey, cfg.Self.PublicKey) || pair.Peer.SameDevice(pair.Local) {
				log.Warn(fmt.Sprintf("discovery: %s returned pair that does not echo this device", res.source))
				continue
			}
			log.Info(fmt.Sprintf("discovery: peer found via %s addr=%s", res.source, pair.Peer.HostPort()))
			return pair, nil
		case <-raceCtx.Done():
			pending = 0
		}
	}

	if err := ctx.Err(); err != nil {
		return Pair{}, err
	}
	return Pair{}, ErrTimeout
}

func announceLoop(ctx context.Context, cfg RaceConfig, announcer Announcer) (string, error) {
	strategy := retry.LimitTime(cfg.Deadline, retry.Exponential{
		Initial:  cfg.ProbeInterval,
		Factor:   2,
		MaxDelay: time.Second,
	})

	probe := 0
	for attempt := retry.StartWithCancel(strategy, nil, ctx.Done()); attempt.Next(); probe++ {
		timeout := cfg.probeTimeout(probe)
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout <= 0 {
			break
		}

		raw, err := announcer.Announce(ctx, cfg.Self, cfg.LocalIP, cfg.Port, timeout)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			cfg.Logger.Debug(fmt.Sprintf("discovery: probe %d failed: %v", probe, err))
			continue
		}
		if raw != "" {
			return raw, nil
		}
	}
	return "", ctx.Err()
}
