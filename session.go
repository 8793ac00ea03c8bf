// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// SessionState is the coarse lifecycle of a call leg.
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionProceeding
	SessionEstablished
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "initial"
	case SessionProceeding:
		return "proceeding"
	case SessionEstablished:
		return "established"
	case SessionTerminated:
		return "terminated"
	}
	return "unknown"
}

// Session is one INVITE-created call leg, inbound or outbound. It owns at
// most one confirmed dialog over its lifetime plus possibly one early one.
// Media negotiation is not this engine's concern; bodies pass through opaque.
type Session struct {
	ua  *UserAgent
	log zerolog.Logger

	inbound    bool
	inviteReq  *sip.Request
	inviteTx   ServerTransaction // inbound only
	reinviteTx ServerTransaction // pending re-INVITE awaiting its ACK

	callID       string
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	localCSeq    uint32

	// Replacee is the session this one replaces (RFC 3891), set when an
	// inbound INVITE carried a resolvable Replaces header.
	Replacee *Session

	mu     sync.Mutex
	state  SessionState
	dialog *Dialog

	onState    func(s SessionState)
	onProgress func(res *sip.Response)
	onAnswer   func(res *sip.Response)
	onFail     func(res *sip.Response)
	onReinvite func(req *sip.Request, tx ServerTransaction)
}

// OnState registers the state change callback. Last registration wins.
func (s *Session) OnState(fn func(SessionState)) { s.onState = fn }

// OnProgress fires per provisional response on an outbound session.
func (s *Session) OnProgress(fn func(*sip.Response)) { s.onProgress = fn }

// OnAnswer fires once on the 2xx answering an outbound session.
func (s *Session) OnAnswer(fn func(*sip.Response)) { s.onAnswer = fn }

// OnFail fires on a negative final response; res is nil on timeout or
// transport error.
func (s *Session) OnFail(fn func(*sip.Response)) { s.onFail = fn }

// OnReinvite overrides the default re-INVITE auto-answer.
func (s *Session) OnReinvite(fn func(*sip.Request, ServerTransaction)) { s.onReinvite = fn }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// InviteOptions shape an outbound call leg.
type InviteOptions struct {
	Body        []byte
	ContentType string
	Headers     []sip.Header
}

// Invite creates an outbound session and sends the INVITE once the transport
// is connected. The session is discoverable by either call leg immediately.
func (ua *UserAgent) Invite(target sip.Uri, opts InviteOptions) (*Session, error) {
	if ua.Status() == StatusUserClosed {
		return nil, ErrUserAgentClosed
	}

	localTag := generateTag()
	callID := generateCallID()
	req := ua.newOutgoingRequest(sip.INVITE, target, requestParams{
		fromTag:     localTag,
		callID:      callID,
		body:        opts.Body,
		contentType: opts.ContentType,
		headers:     opts.Headers,
	})

	s := &Session{
		ua:           ua,
		log:          ua.log.With().Str("caller", "Session").Str("callid", callID).Logger(),
		inviteReq:    req,
		callID:       callID,
		localTag:     localTag,
		remoteTarget: target,
		localCSeq:    1,
		state:        SessionInitial,
	}
	ua.storeSession(sessionKey{callID: callID, tag: localTag}, s)

	ua.transport.AfterConnected(func() {
		if err := s.sendInvite(); err != nil {
			s.log.Error().Err(err).Msg("INVITE send failed")
			return
		}
		ua.emit(InviteSentEvent{Session: s})
	})
	return s, nil
}

func (s *Session) sendInvite() error {
	_, err := s.ua.newClientTx(s.inviteReq, clientTxHandlers{
		onResponse:       s.receiveInviteResponse,
		onTimeout:        func() { s.fail(nil) },
		onTransportError: func(error) { s.fail(nil) },
	})
	return err
}

func (s *Session) receiveInviteResponse(res *sip.Response) {
	remoteTag := toTag(res)

	switch {
	case res.StatusCode < 200:
		if remoteTag != "" {
			s.mu.Lock()
			s.remoteTag = remoteTag
			s.mu.Unlock()
			s.ua.ensureDialog(s.dialogKey(), s, DialogEarly, &s.dialog)
		}
		s.setState(SessionProceeding)
		if s.onProgress != nil {
			s.onProgress(res)
		}

	case res.StatusCode < 300:
		s.mu.Lock()
		s.remoteTag = remoteTag
		s.mu.Unlock()
		s.ua.storeSession(sessionKey{callID: s.callID, tag: remoteTag}, s)
		s.ua.ensureDialog(s.dialogKey(), s, DialogConfirmed, &s.dialog)
		if c := res.GetHeader("Contact"); c != nil {
			if uri, ok := parseContactURI(c.Value()); ok {
				s.remoteTarget = uri
			}
		}
		s.sendAck()
		s.setState(SessionEstablished)
		if s.onAnswer != nil {
			s.onAnswer(res)
		}

	default:
		s.fail(res)
	}
}

// sendAck acknowledges a 2xx. The ACK for a success response is its own
// exchange with a fresh branch, never a tracked transaction.
func (s *Session) sendAck() {
	ack := s.ua.newOutgoingRequest(sip.ACK, s.remoteTarget, requestParams{
		fromTag: s.localTag,
		toTag:   s.remoteTag,
		callID:  s.callID,
		cseq:    s.localCSeq,
	})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       s.ua.transport.Protocol(),
		Host:            s.ua.config.ViaHost,
		Params:          sip.NewParams().Add("branch", generateBranch()),
	}
	ack.PrependHeader(via)
	if err := s.ua.transport.Send(ack); err != nil {
		s.log.Debug().Err(err).Msg("ACK send failed")
	}
}

// newInboundSession wraps an initial INVITE. The invite server transaction is
// materialized by the caller so retransmissions are absorbed while the
// application decides.
func (ua *UserAgent) newInboundSession(req *sip.Request, tx ServerTransaction) *Session {
	callID := callIDValue(req)
	s := &Session{
		ua:        ua,
		log:       ua.log.With().Str("caller", "Session").Str("callid", callID).Logger(),
		inbound:   true,
		inviteReq: req,
		inviteTx:  tx,
		callID:    callID,
		remoteTag: fromTag(req),
		state:     SessionInitial,
	}
	if c := req.GetHeader("Contact"); c != nil {
		if uri, ok := parseContactURI(c.Value()); ok {
			s.remoteTarget = uri
		}
	}
	ua.storeSession(sessionKey{callID: s.callID, tag: s.remoteTag}, s)
	return s
}

// Progress sends a provisional response. From 180 up the session advertises
// a tag and an early dialog exists.
func (s *Session) Progress(status int, reason string) error {
	s.ensureLocalTag()
	res := sip.NewResponseFromRequest(s.inviteReq, status, reason, nil)
	if status > 100 {
		setResponseToTag(res, s.localTag)
		s.ua.ensureDialog(s.dialogKey(), s, DialogEarly, &s.dialog)
	}
	s.setState(SessionProceeding)
	return s.inviteTx.Respond(res)
}

// Answer accepts the call with a 200. The dialog is confirmed; the invite
// transaction stays alive until its ACK.
func (s *Session) Answer(body []byte, contentType string) error {
	s.ensureLocalTag()
	res := sip.NewResponseFromRequest(s.inviteReq, sip.StatusOK, "OK", nil)
	setResponseToTag(res, s.localTag)
	res.AppendHeader(s.ua.contactHeader())
	if body != nil {
		if contentType != "" {
			ct := sip.ContentTypeHeader(contentType)
			res.AppendHeader(&ct)
		}
		res.SetBody(body)
	}

	s.ua.storeSession(sessionKey{callID: s.callID, tag: s.localTag}, s)
	s.ua.ensureDialog(s.dialogKey(), s, DialogConfirmed, &s.dialog)
	if err := s.inviteTx.Respond(res); err != nil {
		return err
	}
	s.setState(SessionEstablished)
	return nil
}

// Reject declines the initial INVITE with a negative final response.
func (s *Session) Reject(status int, reason string) error {
	res := sip.NewResponseFromRequest(s.inviteReq, status, reason, nil)
	if s.localTag != "" {
		setResponseToTag(res, s.localTag)
	}
	err := s.inviteTx.Respond(res)
	s.cleanup()
	s.setState(SessionTerminated)
	return err
}

func (s *Session) ensureLocalTag() {
	s.mu.Lock()
	if s.localTag == "" {
		s.localTag = generateTag()
	}
	s.mu.Unlock()
}

func (s *Session) dialogKey() DialogKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound {
		return DialogKey{CallID: s.callID, TagA: s.remoteTag, TagB: s.localTag}
	}
	return DialogKey{CallID: s.callID, TagA: s.localTag, TagB: s.remoteTag}
}

// ReceiveRequest implements DialogOwner for in-dialog requests and for the
// CANCEL correlation path, which carries no to-tag.
func (s *Session) ReceiveRequest(req *sip.Request, tx ServerTransaction) {
	switch req.Method {
	case sip.ACK:
		// ACK for our 2xx arrives with a fresh branch and both tags. It
		// releases whichever invite transaction is still waiting on it.
		s.setState(SessionEstablished)
		s.mu.Lock()
		rtx := s.reinviteTx
		s.reinviteTx = nil
		s.mu.Unlock()
		if rtx != nil {
			rtx.Terminate()
		}
		if s.inviteTx != nil {
			s.inviteTx.Terminate()
		}

	case sip.BYE:
		s.ua.replyStateless(req, 200, "OK")
		s.cleanup()
		s.setState(SessionTerminated)

	case sip.CANCEL:
		s.receiveCancel(req)

	case sip.INVITE:
		s.mu.Lock()
		s.reinviteTx = tx
		s.mu.Unlock()
		if s.onReinvite != nil {
			s.onReinvite(req, tx)
			return
		}
		// Without media to renegotiate, accept the refresh as-is.
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		setResponseToTag(res, s.localTag)
		res.AppendHeader(s.ua.contactHeader())
		if err := tx.Respond(res); err != nil {
			s.log.Debug().Err(err).Msg("re-INVITE reply failed")
		}

	case sip.INFO, sip.OPTIONS, sip.NOTIFY:
		s.ua.replyStateless(req, 200, "OK")

	default:
		s.ua.replyStateless(req, 405, "Method Not Allowed")
	}
}

func (s *Session) receiveCancel(req *sip.Request) {
	s.mu.Lock()
	pending := s.inbound && s.state != SessionEstablished && s.state != SessionTerminated
	s.mu.Unlock()

	if !pending {
		// CANCEL lost the race against the final response.
		s.ua.replyStateless(req, 481, "Call/Transaction Does Not Exist")
		return
	}

	s.ua.replyStateless(req, 200, "OK")
	res := sip.NewResponseFromRequest(s.inviteReq, sip.StatusRequestTerminated, "Request Terminated", nil)
	if s.localTag != "" {
		setResponseToTag(res, s.localTag)
	}
	if err := s.inviteTx.Respond(res); err != nil {
		s.log.Debug().Err(err).Msg("487 reply failed")
	}
	s.cleanup()
	s.setState(SessionTerminated)
}

// Terminate ends the session whatever its state: CANCEL for an unanswered
// outbound leg, a negative final for an unanswered inbound one, BYE for an
// established call. Used directly and by the shutdown sweep.
func (s *Session) Terminate() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch {
	case st == SessionTerminated:
		return

	case s.inbound && st != SessionEstablished:
		if err := s.Reject(480, "Temporarily Unavailable"); err != nil {
			s.log.Debug().Err(err).Msg("Reject failed")
		}
		return

	case !s.inbound && st != SessionEstablished:
		s.sendCancel()

	default:
		s.sendBye()
	}

	s.cleanup()
	s.setState(SessionTerminated)
}

// sendCancel cancels the pending INVITE. The CANCEL reuses the INVITE's
// branch so the peer can correlate it with the right transaction.
func (s *Session) sendCancel() {
	branch := topViaBranch(s.inviteReq)
	cancel := s.ua.newOutgoingRequest(sip.CANCEL, s.inviteReq.Recipient, requestParams{
		fromTag:     s.localTag,
		callID:      s.callID,
		cseq:        s.localCSeq,
		omitContact: true,
	})
	if branch == "" {
		// INVITE never left the transport, nothing to cancel on the wire.
		return
	}
	if _, err := s.ua.newClientTxBranch(cancel, branch, clientTxHandlers{}); err != nil {
		s.log.Debug().Err(err).Msg("CANCEL send failed")
	}
}

func (s *Session) sendBye() {
	s.mu.Lock()
	s.localCSeq++
	cseq := s.localCSeq
	s.mu.Unlock()

	bye := s.ua.newOutgoingRequest(sip.BYE, s.remoteTarget, requestParams{
		fromTag:     s.localTag,
		toTag:       s.remoteTag,
		callID:      s.callID,
		cseq:        cseq,
		omitContact: true,
	})
	if _, err := s.ua.newClientTx(bye, clientTxHandlers{}); err != nil {
		s.log.Debug().Err(err).Msg("BYE send failed")
	}
}

func (s *Session) fail(res *sip.Response) {
	s.cleanup()
	s.setState(SessionTerminated)
	if s.onFail != nil {
		s.onFail(res)
	}
}

// cleanup removes the session and its dialog from the registries. Safe to
// call more than once.
func (s *Session) cleanup() {
	s.mu.Lock()
	d := s.dialog
	s.dialog = nil
	rtx := s.reinviteTx
	s.reinviteTx = nil
	s.mu.Unlock()

	if rtx != nil {
		rtx.Terminate()
	}
	if d != nil {
		d.setState(DialogTerminated)
		s.ua.dialogs.delete(d.Key)
		s.ua.metrics.dialogGauge(s.ua.dialogs.count())
	}
	s.ua.dropSession(s)
}

// sessionRegistry maps both call legs to their session.
type sessionRegistry struct {
	mu sync.RWMutex
	m  map[sessionKey]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{m: make(map[sessionKey]*Session)}
}

func (r *sessionRegistry) store(key sessionKey, s *Session) {
	if key.tag == "" || key.callID == "" {
		return
	}
	r.mu.Lock()
	r.m[key] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) drop(s *Session) {
	r.mu.Lock()
	for k, v := range r.m {
		if v == s {
			delete(r.m, k)
		}
	}
	r.mu.Unlock()
}

// find resolves a request to a session by Call-ID plus either tag.
func (r *sessionRegistry) find(req *sip.Request) (*Session, bool) {
	callID := callIDValue(req)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.m[sessionKey{callID: callID, tag: fromTag(req)}]; ok {
		return s, true
	}
	if s, ok := r.m[sessionKey{callID: callID, tag: toTag(req)}]; ok {
		return s, true
	}
	return nil, false
}

func (r *sessionRegistry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Session]struct{}, len(r.m))
	out := make([]*Session, 0, len(r.m))
	for _, s := range r.m {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Session]struct{}, len(r.m))
	for _, s := range r.m {
		seen[s] = struct{}{}
	}
	return len(seen)
}
