// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// routeMessage is the single entry point for everything the transport
// delivers. Malformed input is dropped silently; structurally broken
// messages are stopped by the sanity checker before any routing.
func (ua *UserAgent) routeMessage(raw []byte) {
	msg, err := ua.parser.Parse(raw)
	if err != nil || msg == nil {
		ua.log.Debug().Err(err).Msg("Dropping unparsable message")
		return
	}
	if !ua.sanity.Check(msg) {
		ua.log.Debug().Msg("Dropping message failing sanity check")
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		ua.receiveRequest(m)
	case *sip.Response:
		ua.receiveResponse(m)
	}
}

// receiveRequest classifies an inbound request, in order: closed-state
// guard, Request-URI ownership, scheme usability, retransmission absorption,
// in-dialog dispatch, then initial-request dispatch by method.
func (ua *UserAgent) receiveRequest(req *sip.Request) {
	if ua.Status() == StatusUserClosed {
		ua.log.Debug().Str("method", req.Method.String()).Msg("Dropping request, user agent closed")
		return
	}
	ua.metrics.routedRequest(req.Method.String())

	if !ua.config.ownsURI(req.Recipient) {
		// ACK has no transactional reply to carry a 404.
		if req.Method != sip.ACK {
			ua.replyStateless(req, 404, "Not Found")
		}
		return
	}

	if req.Recipient.Scheme == "sips" && !ua.transport.Secure() {
		ua.replyStateless(req, 416, "Unsupported URI Scheme")
		return
	}

	if ua.absorbRetransmission(req) {
		return
	}

	if toTag(req) != "" {
		ua.receiveInDialogRequest(req)
		return
	}

	switch req.Method {
	case sip.OPTIONS:
		ua.receiveOptions(req)

	case sip.MESSAGE:
		ua.receiveMessage(req)

	case sip.INVITE:
		ua.receiveInvite(req)

	case sip.BYE:
		// No dialog can match an out-of-dialog BYE.
		ua.replyStateless(req, 481, "Call/Transaction Does Not Exist")

	case sip.CANCEL:
		if s, ok := ua.sessions.find(req); ok {
			s.ReceiveRequest(req, nil)
			return
		}
		// CANCEL is matched to a transaction, never answered on its own.
		ua.log.Debug().Msg("Dropping CANCEL matching no session")

	case sip.ACK:
		// Out-of-order ACK after dialog teardown, absorbed.

	case sip.NOTIFY:
		if !ua.config.AllowLegacyNotifications || ua.notifyHandler == nil {
			ua.replyStateless(req, 481, "Subscription Does Not Exist")
			return
		}
		ua.replyStateless(req, 200, "OK")
		ua.emit(NotifyEvent{Request: req})
		ua.notifyHandler(req)

	case sip.REFER:
		ua.receiveOutOfDialogRefer(req)

	default:
		ua.replyStateless(req, 405, "Method Not Allowed")
	}
}

// absorbRetransmission offers the request to an existing server transaction
// owning its branch. True means the request was consumed there.
func (ua *UserAgent) absorbRetransmission(req *sip.Request) bool {
	branch := topViaBranch(req)
	if branch == "" {
		return false
	}
	for _, kind := range []TxKind{KindIST, KindNIST} {
		if tx, ok := ua.transactions.lookup(kind, branch); ok {
			if stx, isServer := tx.(ServerTransaction); isServer && stx.ReceiveRequest(req) {
				return true
			}
		}
	}
	return false
}

// receiveInDialogRequest dispatches a request carrying a to-tag. INVITE gets
// a fresh server transaction before the owner sees it; NOTIFY may land on a
// session or a still-early subscription before any dialog exists.
func (ua *UserAgent) receiveInDialogRequest(req *sip.Request) {
	if d, ok := ua.dialogs.find(requestDialogKey(req)); ok {
		var stx ServerTransaction
		if req.Method == sip.INVITE {
			tx, err := ua.newServerTx(req)
			if err != nil {
				ua.log.Debug().Err(err).Msg("re-INVITE branch already owned")
				return
			}
			stx = tx
		}
		d.Owner.ReceiveRequest(req, stx)
		return
	}

	if req.Method == sip.NOTIFY {
		if s, ok := ua.sessions.find(req); ok {
			s.ReceiveRequest(req, nil)
			return
		}
		if sub, ok := ua.earlySubs.findForNotify(req); ok {
			sub.receiveNotify(req)
			return
		}
		ua.replyStateless(req, 481, "Subscription Does Not Exist")
		return
	}

	if req.Method == sip.ACK {
		// ACK racing dialog teardown, protocol-mandated silence.
		return
	}
	ua.replyStateless(req, 481, "Call/Transaction Does Not Exist")
}

func (ua *UserAgent) receiveOptions(req *sip.Request) {
	tx, err := ua.newServerTx(req)
	if err != nil {
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	ensureToTag(res)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods()))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp, text/plain"))
	if err := tx.Respond(res); err != nil {
		ua.log.Debug().Err(err).Msg("OPTIONS reply failed")
	}
	ua.metrics.autoReply(200)
}

func allowedMethods() string {
	methods := []string{"INVITE", "ACK", "CANCEL", "BYE", "OPTIONS", "MESSAGE", "NOTIFY", "REFER", "INFO", "SUBSCRIBE"}
	return strings.Join(methods, ", ")
}

func (ua *UserAgent) receiveMessage(req *sip.Request) {
	ua.replyStateless(req, 200, "OK")
	contentType := ""
	if h := req.GetHeader("Content-Type"); h != nil {
		contentType = h.Value()
	}
	ua.emit(MessageEvent{Request: req, Body: req.Body(), ContentType: contentType})
}

// receiveInvite handles an initial INVITE. No response is sent here beyond
// Replaces failures: the application answers or rejects through the Session.
func (ua *UserAgent) receiveInvite(req *sip.Request) {
	var replacee *Session
	if ua.config.SupportReplaces {
		if rpl, ok := parseReplaces(req); ok {
			target, found := ua.dialogs.find(rpl.DialogKey())
			if !found {
				ua.replyStateless(req, 481, "Call/Transaction Does Not Exist")
				return
			}
			s, isSession := target.Owner.(*Session)
			if isSession && s.State() == SessionTerminated {
				ua.replyStateless(req, 603, "Decline")
				return
			}
			// early-only forbids replacing a dialog that already answered
			if target.State() == DialogConfirmed && rpl.EarlyOnly {
				ua.replyStateless(req, 486, "Busy Here")
				return
			}
			if isSession {
				replacee = s
			}
		}
	}

	tx, err := ua.newServerTx(req)
	if err != nil {
		ua.log.Debug().Err(err).Msg("INVITE branch already owned")
		return
	}
	s := ua.newInboundSession(req, tx)
	s.Replacee = replacee
	ua.emit(InviteEvent{Session: s})
}

// InboundRefer is an out-of-dialog REFER awaiting a decision. Accept answers
// 202; Follow additionally places a call to the Refer-To target.
type InboundRefer struct {
	ua      *UserAgent
	tx      ServerTransaction
	Request *sip.Request
	ReferTo sip.Uri
}

func (r *InboundRefer) Accept() error {
	res := sip.NewResponseFromRequest(r.Request, 202, "Accepted", nil)
	ensureToTag(res)
	return r.tx.Respond(res)
}

func (r *InboundRefer) Reject(status int, reason string) error {
	res := sip.NewResponseFromRequest(r.Request, status, reason, nil)
	ensureToTag(res)
	return r.tx.Respond(res)
}

// Follow accepts the REFER and places a new call toward its target.
func (r *InboundRefer) Follow() (*Session, error) {
	if err := r.Accept(); err != nil {
		return nil, err
	}
	return r.ua.Invite(r.ReferTo, InviteOptions{})
}

func (ua *UserAgent) receiveOutOfDialogRefer(req *sip.Request) {
	if !ua.config.AllowOutOfDialogRefers {
		ua.replyStateless(req, 405, "Method Not Allowed")
		return
	}

	h := req.GetHeader("Refer-To")
	if h == nil {
		ua.replyStateless(req, 400, "Bad Request")
		return
	}
	target, ok := parseContactURI(h.Value())
	if !ok {
		ua.replyStateless(req, 400, "Bad Request")
		return
	}

	tx, err := ua.newServerTx(req)
	if err != nil {
		return
	}
	refer := &InboundRefer{ua: ua, tx: tx, Request: req, ReferTo: target}

	if ua.referHandler != nil {
		ua.emit(OutOfDialogReferEvent{Refer: refer})
		ua.referHandler(refer)
		return
	}
	if _, err := refer.Follow(); err != nil {
		ua.log.Error().Err(err).Msg("Following REFER failed")
	}
}

// receiveResponse correlates strictly by CSeq method plus Via branch.
// Responses never create transactions; unmatched ones are silently discarded
// since late retransmissions after cleanup are expected.
func (ua *UserAgent) receiveResponse(res *sip.Response) {
	cseq := res.CSeq()
	if cseq == nil {
		return
	}
	branch := topViaBranch(res)

	var kind TxKind
	switch cseq.MethodName {
	case sip.INVITE:
		kind = KindICT
	case sip.ACK:
		return
	default:
		kind = KindNICT
	}

	tx, ok := ua.transactions.lookup(kind, branch)
	if !ok {
		ua.log.Debug().Str("method", string(cseq.MethodName)).Int("status", int(res.StatusCode)).
			Msg("Discarding response matching no transaction")
		ua.metrics.discardedResponse()
		return
	}
	if ctx, isClient := tx.(ClientTransaction); isClient {
		ctx.ReceiveResponse(res)
	}
}
