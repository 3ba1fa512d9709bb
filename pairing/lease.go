package pairing

import (
	"fmt"
	"sync"
	"time"

	"lanpair/logging"
)

// relayLease holds the master's relay for one attempt. Release stops it once,
// after the grace delay, and is safe on a nil lease.
type relayLease struct {
	transport Transport
	grace     time.Duration
	log       logging.Logger
	sleep     func(time.Duration)

	once sync.Once
	err  error
}

func acquireRelay(transport Transport, port int, grace time.Duration, log logging.Logger) (*relayLease, error) {
	// Clear a relay left over from an earlier attempt.
	if err := transport.StopRelay(); err != nil {
		log.Warn(fmt.Sprintf("pairing: stop stale relay: %v", err))
	}
	if err := transport.StartRelay(port); err != nil {
		return nil, &RelayError{Op: "start", Err: err}
	}
	log.Info(fmt.Sprintf("pairing: relay started port=%d", port))
	return &relayLease{transport: transport, grace: grace, log: log, sleep: time.Sleep}, nil
}

func (l *relayLease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if l.grace > 0 {
			l.sleep(l.grace)
		}
		if err := l.transport.StopRelay(); err != nil {
			l.err = &RelayError{Op: "stop", Err: err}
			l.log.Error(l.err.Error())
			return
		}
		l.log.Info("pairing: relay stopped")
	})
	return l.err
}
