// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// Subscription is a client-side event subscription (RFC 6665). Until the
// notifier confirms with a tagged response or a NOTIFY, the subscription is
// "early": discoverable only by Call-ID, local tag and event package.
type Subscription struct {
	ua  *UserAgent
	log zerolog.Logger

	Event   string
	target  sip.Uri
	expires int

	callID    string
	localTag  string
	mu        sync.Mutex
	remoteTag string
	confirmed bool
	closed    bool
	dialog    *Dialog
	localCSeq uint32

	onNotify func(req *sip.Request)
	onFail   func(res *sip.Response)
}

// OnNotify registers the NOTIFY consumer. NOTIFYs are 200-acknowledged by the
// engine before delivery.
func (s *Subscription) OnNotify(fn func(*sip.Request)) { s.onNotify = fn }

// OnFail fires when the SUBSCRIBE is rejected or times out; res may be nil.
func (s *Subscription) OnFail(fn func(*sip.Response)) { s.onFail = fn }

// SubscribeOptions shape an outbound subscription.
type SubscribeOptions struct {
	Expires int // seconds, 0 means the 3600 default
	Headers []sip.Header
}

// Subscribe starts an event subscription toward target.
func (ua *UserAgent) Subscribe(target sip.Uri, event string, opts SubscribeOptions) (*Subscription, error) {
	if ua.Status() == StatusUserClosed {
		return nil, ErrUserAgentClosed
	}
	if event == "" {
		return nil, configErrorf("Event", "event package required")
	}
	expires := opts.Expires
	if expires <= 0 {
		expires = 3600
	}

	s := &Subscription{
		ua:        ua,
		Event:     event,
		target:    target,
		expires:   expires,
		callID:    generateCallID(),
		localTag:  generateTag(),
		localCSeq: 1,
	}
	s.log = ua.log.With().Str("caller", "Subscription").Str("event", event).Logger()

	ua.earlySubs.store(subscriptionKey{callID: s.callID, tag: s.localTag, event: event}, s)

	ua.transport.AfterConnected(func() {
		if err := s.sendSubscribe(expires, opts.Headers); err != nil {
			s.log.Error().Err(err).Msg("SUBSCRIBE send failed")
		}
	})
	return s, nil
}

func (s *Subscription) sendSubscribe(expires int, headers []sip.Header) error {
	s.mu.Lock()
	s.localCSeq++
	cseq := s.localCSeq
	remoteTag := s.remoteTag
	s.mu.Unlock()

	req := s.ua.newOutgoingRequest(sip.SUBSCRIBE, s.target, requestParams{
		fromTag: s.localTag,
		toTag:   remoteTag,
		callID:  s.callID,
		cseq:    cseq,
		headers: headers,
	})
	req.AppendHeader(sip.NewHeader("Event", s.Event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	_, err := s.ua.newClientTx(req, clientTxHandlers{
		onResponse:       s.receiveSubscribeResponse,
		onTimeout:        func() { s.fail(nil) },
		onTransportError: func(error) { s.fail(nil) },
	})
	return err
}

func (s *Subscription) receiveSubscribeResponse(res *sip.Response) {
	switch {
	case res.StatusCode < 200:
		// Provisionals carry nothing actionable for SUBSCRIBE.

	case res.StatusCode < 300:
		if tag := toTag(res); tag != "" {
			s.confirm(tag)
		}

	default:
		s.fail(res)
	}
}

// confirm promotes the early subscription into a dialog.
func (s *Subscription) confirm(remoteTag string) {
	s.mu.Lock()
	if s.confirmed || s.closed {
		s.mu.Unlock()
		return
	}
	s.confirmed = true
	s.remoteTag = remoteTag
	key := DialogKey{CallID: s.callID, TagA: s.localTag, TagB: remoteTag}
	s.mu.Unlock()

	s.ua.earlySubs.delete(subscriptionKey{callID: s.callID, tag: s.localTag, event: s.Event})
	s.ua.ensureDialog(key, s, DialogConfirmed, &s.dialog)
	s.log.Debug().Msg("Subscription confirmed")
}

// ReceiveRequest implements DialogOwner. Only NOTIFY is meaningful inside a
// subscription dialog.
func (s *Subscription) ReceiveRequest(req *sip.Request, _ ServerTransaction) {
	if req.Method != sip.NOTIFY {
		s.ua.replyStateless(req, 405, "Method Not Allowed")
		return
	}
	s.receiveNotify(req)
}

func (s *Subscription) receiveNotify(req *sip.Request) {
	if tag := fromTag(req); tag != "" {
		s.confirm(tag)
	}
	s.ua.replyStateless(req, 200, "OK")

	if s.onNotify != nil {
		s.onNotify(req)
	}

	if state := req.GetHeader("Subscription-State"); state != nil {
		if strings.HasPrefix(strings.ToLower(state.Value()), "terminated") {
			s.cleanup()
		}
	}
}

// Close unsubscribes with Expires: 0 and releases local state without waiting
// for the terminal NOTIFY.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	confirmed := s.confirmed
	s.mu.Unlock()

	var err error
	if confirmed {
		err = s.sendSubscribe(0, nil)
	}
	s.cleanup()
	return err
}

// Terminate implements DialogOwner for the shutdown sweep.
func (s *Subscription) Terminate() {
	if err := s.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Unsubscribe failed")
	}
}

func (s *Subscription) fail(res *sip.Response) {
	s.cleanup()
	if s.onFail != nil {
		s.onFail(res)
	}
}

func (s *Subscription) cleanup() {
	s.mu.Lock()
	s.closed = true
	d := s.dialog
	s.dialog = nil
	s.mu.Unlock()

	s.ua.earlySubs.delete(subscriptionKey{callID: s.callID, tag: s.localTag, event: s.Event})
	if d != nil {
		d.setState(DialogTerminated)
		s.ua.dialogs.delete(d.Key)
		s.ua.metrics.dialogGauge(s.ua.dialogs.count())
	}
}

// earlySubRegistry holds subscriptions that have no dialog yet. A NOTIFY that
// matches no dialog may still belong here: its To tag is the subscriber's
// local tag.
type earlySubRegistry struct {
	mu sync.RWMutex
	m  map[subscriptionKey]*Subscription
}

func newEarlySubRegistry() *earlySubRegistry {
	return &earlySubRegistry{m: make(map[subscriptionKey]*Subscription)}
}

func (r *earlySubRegistry) store(key subscriptionKey, s *Subscription) {
	r.mu.Lock()
	r.m[key] = s
	r.mu.Unlock()
}

func (r *earlySubRegistry) delete(key subscriptionKey) {
	r.mu.Lock()
	delete(r.m, key)
	r.mu.Unlock()
}

// findForNotify matches an out-of-dialog NOTIFY against early subscriptions.
func (r *earlySubRegistry) findForNotify(req *sip.Request) (*Subscription, bool) {
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
		if i := strings.IndexByte(event, ';'); i >= 0 {
			event = event[:i]
		}
	}
	key := subscriptionKey{callID: callIDValue(req), tag: toTag(req), event: event}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[key]
	return s, ok
}

func (r *earlySubRegistry) all() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.m))
	for _, s := range r.m {
		out = append(out, s)
	}
	return out
}
