// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Status is the UA lifecycle state.
type Status string

const (
	StatusInit       Status = "init"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusUserClosed Status = "user_closed"
	StatusNotReady   Status = "not_ready"
)

// UserAgent is the signaling engine core: it owns every registry, routes each
// inbound message to its transaction, dialog or out-of-dialog handler, and
// runs the lifecycle state machine including the shutdown drain.
type UserAgent struct {
	config  Config
	log     zerolog.Logger
	metrics *Metrics

	transport Transport
	parser    Parser
	sanity    SanityChecker

	contact contactInfo

	transactions *transactionRegistry
	dialogs      *dialogRegistry
	sessions     *sessionRegistry
	earlySubs    *earlySubRegistry
	publishers   *publisherSet
	applicants   *applicantArena

	events chan Event

	status        *fsm.FSM
	statusMu      sync.Mutex
	lastCause     string
	transportOnce sync.Once

	referHandler  func(refer *InboundRefer)
	notifyHandler func(req *sip.Request)

	regMu       sync.Mutex
	registerCtx *RegisterContext

	hookMu  sync.Mutex
	hookSeq uint64
	txHooks map[uint64]func()
}

type contactInfo struct {
	URI sip.Uri
}

// Option configures a UserAgent during construction.
type Option func(ua *UserAgent)

func WithLogger(log zerolog.Logger) Option {
	return func(ua *UserAgent) { ua.log = log }
}

func WithParser(p Parser) Option {
	return func(ua *UserAgent) { ua.parser = p }
}

func WithSanityChecker(c SanityChecker) Option {
	return func(ua *UserAgent) { ua.sanity = c }
}

func WithMetrics(m *Metrics) Option {
	return func(ua *UserAgent) { ua.metrics = m }
}

// WithReferHandler lets the application decide on out-of-dialog REFERs.
// Without one the engine accepts and follows them when enabled.
func WithReferHandler(fn func(refer *InboundRefer)) Option {
	return func(ua *UserAgent) { ua.referHandler = fn }
}

// WithNotifyHandler receives out-of-dialog NOTIFYs. Legacy notifications are
// honored only when AllowLegacyNotifications is set and a handler exists.
func WithNotifyHandler(fn func(req *sip.Request)) Option {
	return func(ua *UserAgent) { ua.notifyHandler = fn }
}

// NewUserAgent validates the configuration eagerly and wires the engine onto
// the given transport. The transport is not connected until Start.
func NewUserAgent(transport Transport, config Config, opts ...Option) (*UserAgent, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	ua := &UserAgent{
		config:       config,
		log:          zerolog.Nop(),
		transport:    transport,
		parser:       sipgoParser{},
		sanity:       minimalSanity{},
		contact:      contactInfo{URI: config.contactURI()},
		transactions: newTransactionRegistry(),
		dialogs:      newDialogRegistry(),
		sessions:     newSessionRegistry(),
		earlySubs:    newEarlySubRegistry(),
		publishers:   newPublisherSet(),
		applicants:   newApplicantArena(),
		events:       make(chan Event, config.EventBuffer),
		txHooks:      make(map[uint64]func()),
	}
	for _, o := range opts {
		o(ua)
	}
	ua.log = ua.log.With().Str("caller", "UA").Logger()

	ua.status = fsm.NewFSM(
		string(StatusInit),
		fsm.Events{
			{Name: "start", Src: []string{string(StatusInit)}, Dst: string(StatusStarting)},
			{Name: "connected", Src: []string{string(StatusStarting), string(StatusNotReady)}, Dst: string(StatusReady)},
			{Name: "resume", Src: []string{string(StatusUserClosed)}, Dst: string(StatusReady)},
			{Name: "transport_error", Src: []string{string(StatusInit), string(StatusStarting), string(StatusReady), string(StatusNotReady)}, Dst: string(StatusNotReady)},
			{Name: "stop", Src: []string{string(StatusInit), string(StatusStarting), string(StatusReady), string(StatusNotReady)}, Dst: string(StatusUserClosed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				ua.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Status changed")
			},
		},
	)

	ua.transactions.onCreated = func(tx Transaction) {
		ua.metrics.txGauge(tx.Kind(), ua.transactions.countByKind(tx.Kind()))
		ua.emit(NewTransactionEvent{Transaction: tx})
	}
	ua.transactions.onDestroyed = func(tx Transaction) {
		ua.metrics.txGauge(tx.Kind(), ua.transactions.countByKind(tx.Kind()))
		ua.emit(TransactionDestroyedEvent{Transaction: tx})
		ua.runTxHooks()
	}

	transport.SetListener(ua)
	return ua, nil
}

// Events is the application's notification stream. Single consumer, FIFO per
// instance. Slow consumers lose events rather than stalling routing.
func (ua *UserAgent) Events() <-chan Event {
	return ua.events
}

func (ua *UserAgent) Status() Status {
	return Status(ua.status.Current())
}

func (ua *UserAgent) fire(event string) {
	if err := ua.status.Event(context.Background(), event); err != nil {
		ua.log.Debug().Err(err).Str("event", event).Msg("Status transition skipped")
	}
}

// Start connects the transport. Calling Start on a stopped UA resumes it;
// on a starting or ready UA it is a no-op.
func (ua *UserAgent) Start() error {
	switch ua.Status() {
	case StatusStarting, StatusReady:
		return nil

	case StatusInit:
		ua.fire("start")

	case StatusUserClosed:
		ua.fire("resume")

	case StatusNotReady:
		ua.log.Info().Msg("Attempting recovery of failed transport")
	}

	ua.transportOnce.Do(func() {
		ua.emit(TransportCreatedEvent{Transport: ua.transport})
	})
	return ua.transport.Connect()
}

// Stop closes the UA: unregisters, terminates every live exchange, then
// disconnects the transport once no non-INVITE transaction remains. INVITE
// transactions in their accepted wait states never gate the disconnect; the
// BYE and CANCEL exchanges issued here are exactly what the drain waits on.
// Idempotent.
func (ua *UserAgent) Stop() error {
	if ua.Status() == StatusUserClosed {
		return nil
	}

	ua.regMu.Lock()
	reg := ua.registerCtx
	ua.regMu.Unlock()
	if reg != nil {
		if err := reg.Close(); err != nil {
			ua.log.Debug().Err(err).Msg("Unregister on stop failed")
		}
	}

	for _, s := range ua.sessions.all() {
		s.Terminate()
	}
	for _, d := range ua.dialogSnapshot() {
		d.Owner.Terminate()
	}
	for _, sub := range ua.earlySubs.all() {
		sub.Terminate()
	}
	for _, p := range ua.publishers.all() {
		if err := p.Close(); err != nil {
			ua.log.Debug().Err(err).Msg("Publish removal on stop failed")
		}
	}
	for _, rc := range ua.applicants.all() {
		rc.fail(nil)
	}

	ua.fire("stop")
	ua.drainAndDisconnect()
	return nil
}

// drainAndDisconnect disconnects immediately when no non-INVITE transaction
// is live, otherwise arms a one-shot hook that re-checks after every
// transaction destruction and fires exactly once.
func (ua *UserAgent) drainAndDisconnect() {
	drained := func() bool {
		return ua.transactions.countByKind(KindNICT)+ua.transactions.countByKind(KindNIST) == 0
	}

	if drained() {
		ua.disconnect()
		return
	}

	ua.log.Debug().Int("pending", ua.transactions.countByKind(KindNICT)+ua.transactions.countByKind(KindNIST)).
		Msg("Delaying disconnect until transactions drain")
	var once sync.Once
	fire := func(id uint64) {
		once.Do(func() {
			ua.removeTxHook(id)
			ua.disconnect()
		})
	}
	id := ua.addTxHook(func(id uint64) func() {
		return func() {
			if drained() {
				fire(id)
			}
		}
	})
	// The last transaction may have died between the check above and the
	// hook registration, with no further destruction to run the hook.
	if drained() {
		fire(id)
	}
}

func (ua *UserAgent) disconnect() {
	if err := ua.transport.Disconnect(); err != nil {
		ua.log.Debug().Err(err).Msg("Transport disconnect failed")
	}
}

// addTxHook registers a transaction-destroyed hook. The hook id is assigned
// under the lock so the hook can deregister itself safely even when the first
// destruction races with registration.
func (ua *UserAgent) addTxHook(build func(id uint64) func()) uint64 {
	ua.hookMu.Lock()
	defer ua.hookMu.Unlock()
	ua.hookSeq++
	id := ua.hookSeq
	ua.txHooks[id] = build(id)
	return id
}

func (ua *UserAgent) removeTxHook(id uint64) {
	ua.hookMu.Lock()
	delete(ua.txHooks, id)
	ua.hookMu.Unlock()
}

func (ua *UserAgent) runTxHooks() {
	ua.hookMu.Lock()
	hooks := make([]func(), 0, len(ua.txHooks))
	for _, fn := range ua.txHooks {
		hooks = append(hooks, fn)
	}
	ua.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// OnConnected implements TransportListener.
func (ua *UserAgent) OnConnected() {
	ua.statusMu.Lock()
	ua.lastCause = ""
	ua.statusMu.Unlock()
	ua.fire("connected")

	if ua.config.Register && ua.Status() != StatusUserClosed {
		ua.regMu.Lock()
		registered := ua.registerCtx != nil
		ua.regMu.Unlock()
		if !registered {
			if _, err := ua.Register(ua.config.RegisterOptions); err != nil {
				ua.log.Error().Err(err).Msg("Auto-register failed")
			}
		}
	}
}

// OnTransportError implements TransportListener. Repeats of the same cause
// while already NOT_READY change nothing, so the application is not spammed.
func (ua *UserAgent) OnTransportError(err error) {
	if ua.Status() == StatusUserClosed {
		ua.log.Debug().Err(err).Msg("Transport error after close")
		return
	}

	cause := ""
	if err != nil {
		cause = err.Error()
	}
	ua.statusMu.Lock()
	repeat := ua.Status() == StatusNotReady && ua.lastCause == cause
	ua.lastCause = cause
	ua.statusMu.Unlock()

	ua.fire("transport_error")
	if repeat {
		return
	}
	ua.log.Error().Err(err).Msg("Transport failed")
	ua.emit(TransportErrorEvent{Err: err})
}

// OnMessage implements TransportListener; routing lives in router.go.
func (ua *UserAgent) OnMessage(raw []byte) {
	ua.routeMessage(raw)
}

func (ua *UserAgent) setRegisterContext(rc *RegisterContext) {
	ua.regMu.Lock()
	ua.registerCtx = rc
	ua.regMu.Unlock()
}

func (ua *UserAgent) clearRegisterContext(rc *RegisterContext) {
	ua.regMu.Lock()
	if ua.registerCtx == rc {
		ua.registerCtx = nil
	}
	ua.regMu.Unlock()
}

func (ua *UserAgent) storeSession(key sessionKey, s *Session) {
	ua.sessions.store(key, s)
	ua.metrics.sessionGauge(ua.sessions.count())
}

func (ua *UserAgent) dropSession(s *Session) {
	ua.sessions.drop(s)
	ua.metrics.sessionGauge(ua.sessions.count())
}

func (ua *UserAgent) dialogSnapshot() []*Dialog {
	ua.dialogs.mu.RLock()
	defer ua.dialogs.mu.RUnlock()
	out := make([]*Dialog, 0, len(ua.dialogs.m))
	seen := make(map[*Dialog]struct{}, len(ua.dialogs.m))
	for _, d := range ua.dialogs.m {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// ensureDialog binds owner's dialog state to the registry. An existing slot
// with the same key only changes state; a key change (think early tag vs the
// answering tag) replaces the registration.
func (ua *UserAgent) ensureDialog(key DialogKey, owner DialogOwner, state DialogState, slot **Dialog) {
	if d := *slot; d != nil {
		if d.Key == key || d.Key == key.flip() {
			d.setState(state)
			return
		}
		ua.dialogs.delete(d.Key)
		d.setState(DialogTerminated)
	}

	d := &Dialog{Key: key, Owner: owner, state: state}
	if !ua.dialogs.store(d) {
		if existing, ok := ua.dialogs.find(key); ok {
			existing.setState(state)
			*slot = existing
			return
		}
	}
	*slot = d
	ua.metrics.dialogGauge(ua.dialogs.count())
}
