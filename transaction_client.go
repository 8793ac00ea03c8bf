// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// clientTxHandlers is the response-delivery contract of a client transaction.
// At most one of onTimeout/onTransportError fires, and never after a final
// response was delivered.
type clientTxHandlers struct {
	onResponse       func(res *sip.Response)
	onTimeout        func()
	onTransportError func(err error)
}

// clientTx is a minimal client transaction: it sends the request, correlates
// responses by branch and enforces one overall timeout. Retransmission timers
// (RFC 3261 17.1) are intentionally not implemented here.
type clientTx struct {
	kind     TxKind
	id       string
	req      *sip.Request
	ua       *UserAgent
	handlers clientTxHandlers
	log      zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// newClientTx builds, registers and sends a client transaction. The Via
// branch is generated here; the branch identifies the transaction.
func (ua *UserAgent) newClientTx(req *sip.Request, handlers clientTxHandlers) (*clientTx, error) {
	return ua.newClientTxBranch(req, generateBranch(), handlers)
}

// newClientTxBranch is newClientTx with a caller-chosen branch. CANCEL uses
// it to mirror the branch of the INVITE it cancels; since CANCEL is non-INVITE
// the two transactions never collide in the registry.
func (ua *UserAgent) newClientTxBranch(req *sip.Request, branch string, handlers clientTxHandlers) (*clientTx, error) {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       ua.transport.Protocol(),
		Host:            ua.config.ViaHost,
		Params:          sip.NewParams().Add("branch", branch),
	}
	req.PrependHeader(via)

	kind := KindNICT
	if req.Method == sip.INVITE {
		kind = KindICT
	}

	tx := &clientTx{
		kind:     kind,
		id:       branch,
		req:      req,
		ua:       ua,
		handlers: handlers,
		log:      ua.log.With().Str("caller", "ClientTx").Str("branch", branch).Logger(),
	}

	if err := ua.transactions.register(tx); err != nil {
		return nil, err
	}

	if err := ua.transport.Send(req); err != nil {
		tx.log.Debug().Err(err).Msg("Send failed")
		tx.finish()
		ua.transactions.unregister(tx)
		if handlers.onTransportError != nil {
			handlers.onTransportError(err)
		}
		return nil, err
	}

	tx.mu.Lock()
	tx.timer = time.AfterFunc(ua.config.TransactionTimeout, tx.onTimeout)
	tx.mu.Unlock()
	return tx, nil
}

func (tx *clientTx) Kind() TxKind          { return tx.kind }
func (tx *clientTx) ID() string            { return tx.id }
func (tx *clientTx) Request() *sip.Request { return tx.req }

// ReceiveResponse delivers a correlated response. Provisional responses do
// not consume the transaction; the first final response does.
func (tx *clientTx) ReceiveResponse(res *sip.Response) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	final := res.StatusCode >= 200
	if final {
		tx.done = true
		if tx.timer != nil {
			tx.timer.Stop()
		}
	}
	tx.mu.Unlock()

	if tx.handlers.onResponse != nil {
		tx.handlers.onResponse(res)
	}
	if final {
		tx.ua.transactions.unregister(tx)
	}
}

func (tx *clientTx) onTimeout() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	tx.mu.Unlock()

	tx.log.Debug().Str("method", tx.req.Method.String()).Msg("Transaction timed out")
	tx.ua.transactions.unregister(tx)
	if tx.handlers.onTimeout != nil {
		tx.handlers.onTimeout()
	}
}

// Terminate force-releases the transaction without delivering anything.
func (tx *clientTx) Terminate() {
	if tx.finish() {
		tx.ua.transactions.unregister(tx)
	}
}

// finish marks the transaction done. Reports whether this call won.
func (tx *clientTx) finish() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return false
	}
	tx.done = true
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return true
}
