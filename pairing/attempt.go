package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"

	"lanpair/crypto"
	"lanpair/discovery"
	"lanpair/logging"
)

const (
	DefaultPort             = 55055
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultSettleDelay      = 2 * time.Second
	DefaultRelayGrace       = 2 * time.Second
	DefaultCeremonyTimeout  = 5 * time.Minute
	DefaultFetchInterval    = time.Second

	subscriberBuffer = 16
)

// State is the phase of an attempt. States only move forward.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateRoleElected
	StateExchanging
	StateCeremonyRunning
	StateDone
	StateFailed
)

var stateNames = [...]string{"idle", "discovering", "role_elected", "exchanging", "ceremony_running", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// Terminal reports whether s ends the attempt.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Request describes what one attempt should do.
type Request struct {
	Kind        CeremonyKind
	DisplayName string
	// Send and Keyshare are required for Keysign.
	Send     *SendRequest
	Keyshare *Keyshare
}

// Options carries the protocol timings.
type Options struct {
	Port             int
	DiscoveryTimeout time.Duration
	ProbeTimeout     time.Duration
	SettleDelay      time.Duration
	RelayGrace       time.Duration
	CeremonyTimeout  time.Duration
	FetchInterval    time.Duration
	Network          *chaincfg.Params
	Logger           logging.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.DiscoveryTimeout <= 0 {
		out.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = discovery.DefaultProbeTimeout
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = DefaultSettleDelay
	}
	if out.RelayGrace <= 0 {
		out.RelayGrace = DefaultRelayGrace
	}
	if out.CeremonyTimeout <= 0 {
		out.CeremonyTimeout = DefaultCeremonyTimeout
	}
	if out.FetchInterval <= 0 {
		out.FetchInterval = DefaultFetchInterval
	}
	if out.Network == nil {
		out.Network = &chaincfg.MainNetParams
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	return out
}

// Event is published to subscribers on every state change.
type Event struct {
	AttemptID string
	Kind      CeremonyKind
	State     State
	Role      Role
	PeerName  string
	// PeerCode is the short code both devices show for the peer.
	PeerCode  string
	SessionID string
	Err       error
	At        time.Time
}

// Result is the outcome of a successful attempt.
type Result struct {
	Role    Role
	Peer    discovery.Descriptor
	Session Session
	// Output is the keyshare document for keygen or the transaction ID for keysign.
	Output string
}

// Attempt is one run of the pairing protocol. It is single use.
type Attempt struct {
	id        string
	transport Transport
	ceremony  Ceremony
	req       Request
	opts      Options
	log       logging.Logger

	mu       sync.Mutex
	started  bool
	aborted  bool
	cancel   context.CancelFunc
	last     Event
	err      error
	subs     map[int]chan Event
	nextSub  int
	sleepCtx func(ctx context.Context, d time.Duration) error
}

// NewAttempt prepares an attempt in StateIdle.
func NewAttempt(transport Transport, ceremony Ceremony, req Request, options Options) *Attempt {
	opts := options.withDefaults()
	id := uuid.NewString()
	return &Attempt{
		id:        id,
		transport: transport,
		ceremony:  ceremony,
		req:       req,
		opts:      opts,
		log:       opts.Logger,
		last:      Event{AttemptID: id, Kind: req.Kind, State: StateIdle},
		subs:      make(map[int]chan Event),
		sleepCtx:  sleepContext,
	}
}

// ID returns the attempt ID.
func (a *Attempt) ID() string {
	return a.id
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last.State
}

// Role returns the elected role, or RoleUnknown before election.
func (a *Attempt) Role() Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last.Role
}

// Err returns the failure once the attempt is in StateFailed.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Subscribe returns a channel of state changes. The channel is closed when
// the attempt reaches a terminal state or cancel is called. Slow readers
// miss events rather than stall the attempt.
func (a *Attempt) Subscribe() (<-chan Event, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if a.last.State.Terminal() {
		ch <- a.last
		close(ch)
		return ch, func() {}
	}

	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}
}

// Abort abandons the attempt. Anything that completes afterwards is discarded.
func (a *Attempt) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last.State.Terminal() {
		return
	}
	a.aborted = true
	if a.cancel != nil {
		a.cancel()
	}
}

// Run executes the attempt and blocks until it is done or failed. The relay,
// if this device became master, is stopped before Run returns.
func (a *Attempt) Run(ctx context.Context) (result Result, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return Result{}, ErrAttemptUsed
	}
	a.started = true
	a.cancel = cancel
	if a.aborted {
		cancel()
	}
	a.mu.Unlock()

	var lease *relayLease
	defer func() {
		_ = lease.Release()
		if err != nil {
			err = a.fail(err)
			result = Result{}
			return
		}
		a.advance(StateDone, func(e *Event) {})
		a.log.Info(fmt.Sprintf("pairing: attempt done id=%s role=%s session=%s", a.id, result.Role, result.Session.ID))
	}()

	if err := a.validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	keyPair, err := a.transport.GenerateKeyPair()
	if err != nil {
		return Result{}, fmt.Errorf("generate identity: %w", err)
	}
	defer keyPair.Wipe()

	self := discovery.Self{
		DisplayName: a.req.DisplayName,
		PartyKey:    a.localParty(),
		PublicKey:   keyPair.PublicKey[:],
	}

	pair, err := a.discover(ctx, self)
	if err != nil {
		return Result{}, err
	}

	role, err := Elect(pair.Local, pair.Peer)
	if err != nil {
		return Result{}, err
	}
	a.advance(StateRoleElected, func(e *Event) {
		e.Role = role
		e.PeerName = pair.Peer.DisplayName
		e.PeerCode = crypto.ShortID(pair.Peer.DisplayName, pair.Peer.Address)
	})
	a.log.Info(fmt.Sprintf("pairing: role elected role=%s peer=%s", role, pair.Peer.HostPort()))

	a.advance(StateExchanging, func(e *Event) {})
	var payload string
	switch role {
	case Master:
		lease, err = acquireRelay(a.transport, a.opts.Port, a.opts.RelayGrace, a.log)
		if err != nil {
			return Result{}, &ExchangeError{Op: "start relay", Err: err}
		}
		payload, err = a.publish(ctx, keyPair, pair.Peer)
	default:
		payload, err = a.fetch(ctx, keyPair, pair.Peer)
	}
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	session, params, err := a.handoff(role, pair, payload, keyPair)
	if err != nil {
		return Result{}, err
	}

	a.advance(StateCeremonyRunning, func(e *Event) { e.SessionID = session.ID })
	output, err := a.runCeremony(ctx, params)
	if err != nil {
		return Result{}, err
	}

	return Result{Role: role, Peer: pair.Peer, Session: session, Output: output}, nil
}

func (a *Attempt) validate() error {
	if a.transport == nil || a.ceremony == nil {
		return fmt.Errorf("%w: transport and ceremony are required", ErrInvalidRequest)
	}
	// The name travels as name@party inside the descriptor record.
	if strings.Contains(a.req.DisplayName, "@") {
		return fmt.Errorf("%w: display name %q must not contain '@'", ErrInvalidRequest, a.req.DisplayName)
	}
	switch a.req.Kind {
	case Keygen:
		return nil
	case Keysign:
		if err := a.req.Send.Validate(a.opts.Network); err != nil {
			return err
		}
		if err := a.req.Keyshare.validate(); err != nil {
			return err
		}
		for _, key := range a.req.Keyshare.CommitteeKeys {
			if strings.ContainsAny(key, "@:,") {
				return fmt.Errorf("%w: party key %q must not contain '@', ':' or ','", ErrInvalidRequest, key)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown ceremony kind %d", ErrInvalidRequest, a.req.Kind)
	}
}

func (a *Attempt) localParty() string {
	if a.req.Kind == Keysign && a.req.Keyshare != nil {
		return a.req.Keyshare.LocalPartyKey
	}
	return ""
}

func (a *Attempt) discover(ctx context.Context, self discovery.Self) (discovery.Pair, error) {
	a.advance(StateDiscovering, func(e *Event) {})

	pair, err := discovery.Race(ctx, discovery.RaceConfig{
		Self:         self,
		LocalIP:      a.transport.LANAddress(),
		Port:         a.opts.Port,
		Deadline:     a.opts.DiscoveryTimeout,
		ProbeTimeout: a.opts.ProbeTimeout,
		Logger:       a.log,
	}, discovery.ListenFunc(a.transport.ListenForAnnouncement), discovery.AnnounceFunc(a.transport.AnnounceAndDiscover))
	if errors.Is(err, discovery.ErrTimeout) {
		return discovery.Pair{}, ErrDiscoveryTimeout
	}
	if err != nil {
		return discovery.Pair{}, err
	}
	if err := ctx.Err(); err != nil {
		return discovery.Pair{}, err
	}

	if self.PartyKey != "" && pair.Peer.PartyKey == self.PartyKey {
		return discovery.Pair{}, ErrDuplicateParty
	}
	return pair, nil
}

func (a *Attempt) publish(ctx context.Context, keyPair crypto.KeyPair, peer discovery.Descriptor) (string, error) {
	seed, err := crypto.RandomSeed(crypto.DefaultSeedLength)
	if err != nil {
		return "", err
	}
	payload := BuildPayload(seed, a.req.Send, a.localParty())

	checksum, err := a.transport.PublishEncrypted(ctx, a.opts.Port, a.opts.DiscoveryTimeout, peer.PublicKey, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &ExchangeError{Op: "publish", Err: err}
	}

	want := Checksum(a.transport.Hash, keyPair.PublicHex(), sendAmount(a.req.Send))
	if checksum != want {
		return "", fmt.Errorf("%w: peer checksum differs", ErrAmountMismatch)
	}
	a.log.Info(fmt.Sprintf("pairing: rendezvous published len=%d", len(payload)))
	return payload, nil
}

func (a *Attempt) fetch(ctx context.Context, keyPair crypto.KeyPair, master discovery.Descriptor) (string, error) {
	if err := a.sleepCtx(ctx, a.opts.SettleDelay); err != nil {
		return "", err
	}

	url := ServerURL(master.HostPort()) + "/"
	checksum := Checksum(a.transport.Hash, master.PublicHex(), sendAmount(a.req.Send))
	deadline := time.Now().Add(a.opts.DiscoveryTimeout)

	for {
		payload, err := a.transport.FetchEncrypted(ctx, url, keyPair, checksum)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &ExchangeError{Op: "fetch", Err: err}
		}
		if payload != "" {
			a.log.Info(fmt.Sprintf("pairing: rendezvous fetched len=%d", len(payload)))
			return payload, nil
		}
		if !time.Now().Add(a.opts.FetchInterval).Before(deadline) {
			return "", &ExchangeError{Op: "fetch", Err: errors.New("master did not publish before deadline")}
		}
		if err := a.sleepCtx(ctx, a.opts.FetchInterval); err != nil {
			return "", err
		}
	}
}

func (a *Attempt) handoff(role Role, pair discovery.Pair, payload string, keyPair crypto.KeyPair) (Session, CeremonyParams, error) {
	parsed, err := ParsePayload(payload)
	if err != nil {
		return Session{}, CeremonyParams{}, &ExchangeError{Op: "decode payload", Err: err}
	}
	if err := parsed.matches(a.req.Send); err != nil {
		return Session{}, CeremonyParams{}, err
	}

	// The master built the payload itself, so only the peer learns the
	// other party key from it.
	peerParty := pair.Peer.PartyKey
	if role == Peer && parsed.PartyKey != "" {
		peerParty = parsed.PartyKey
	}

	masterHost := pair.Peer.HostPort()
	if role == Master {
		masterHost = discovery.Descriptor{Address: pair.Local.Address, Port: a.opts.Port}.HostPort()
	}

	session, err := DeriveSession(a.transport.Hash, a.req.Kind, role, payload, ServerURL(masterHost), a.req.Keyshare, peerParty)
	if err != nil {
		return Session{}, CeremonyParams{}, err
	}

	params := CeremonyParams{
		ServerURL:     session.ServerURL,
		PartyID:       session.PartyID,
		Committee:     session.Committee,
		SessionID:     session.ID,
		EncryptionKey: pair.Peer.PublicHex(),
		DecryptionKey: keyPair.PrivateHex(),
		Payload:       payload,
	}
	if a.req.Kind == Keysign {
		params.Keyshare = a.req.Keyshare
		params.ToAddress = a.req.Send.ToAddress
		params.Amount = parsed.Amount
		params.Fee = parsed.Fee
	}
	return session, params, nil
}

func (a *Attempt) runCeremony(ctx context.Context, params CeremonyParams) (string, error) {
	ceremonyCtx, cancel := context.WithTimeout(ctx, a.opts.CeremonyTimeout)
	defer cancel()

	a.log.Info(fmt.Sprintf("pairing: ceremony starting kind=%s party=%s session=%s", a.req.Kind, params.PartyID, params.SessionID))

	var (
		output string
		err    error
	)
	if a.req.Kind == Keysign {
		output, err = a.ceremony.Keysign(ceremonyCtx, params)
	} else {
		output, err = a.ceremony.Keygen(ceremonyCtx, params)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", &CeremonyError{Err: err}
	}
	return output, nil
}

func (a *Attempt) fail(err error) error {
	a.mu.Lock()
	aborted := a.aborted
	a.mu.Unlock()
	if aborted || errors.Is(err, context.Canceled) {
		err = ErrAborted
	}

	a.advance(StateFailed, func(e *Event) { e.Err = err })
	a.log.Warn(fmt.Sprintf("pairing: attempt failed id=%s kind=%s: %v", a.id, KindOf(err), err))
	return err
}

// advance moves to state and notifies subscribers. Backward moves and moves
// out of a terminal state are ignored.
func (a *Attempt) advance(state State, mutate func(*Event)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last.State.Terminal() || state <= a.last.State {
		return false
	}

	next := a.last
	next.State = state
	next.At = time.Now()
	mutate(&next)
	a.last = next
	if state == StateFailed {
		a.err = next.Err
	}

	for id, ch := range a.subs {
		select {
		case ch <- next:
		default:
		}
		if state.Terminal() {
			close(ch)
			delete(a.subs, id)
		}
	}
	return true
}

func sendAmount(send *SendRequest) btcutil.Amount {
	if send == nil {
		return 0
	}
	return send.Amount
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
