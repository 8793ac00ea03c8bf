// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// serverTx is a minimal server transaction: it remembers the last response
// for retransmission absorption and, for invite server transactions, waits
// for the ACK before releasing itself. RFC 3261 17.2 timer machinery stays
// out of scope.
type serverTx struct {
	kind TxKind
	id   string
	req  *sip.Request
	ua   *UserAgent
	log  zerolog.Logger

	mu      sync.Mutex
	lastRes *sip.Response
	done    bool
}

// newServerTx registers a server transaction for an inbound request. A
// DuplicateTransactionError means another transaction already owns the
// branch; the caller treats the request as a retransmission.
func (ua *UserAgent) newServerTx(req *sip.Request) (*serverTx, error) {
	kind := KindNIST
	if req.Method == sip.INVITE {
		kind = KindIST
	}

	tx := &serverTx{
		kind: kind,
		id:   topViaBranch(req),
		req:  req,
		ua:   ua,
		log:  ua.log.With().Str("caller", "ServerTx").Str("branch", topViaBranch(req)).Logger(),
	}
	if err := ua.transactions.register(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (tx *serverTx) Kind() TxKind          { return tx.kind }
func (tx *serverTx) ID() string            { return tx.id }
func (tx *serverTx) Request() *sip.Request { return tx.req }

// Respond sends a response within the transaction. A final response ends a
// non-invite server transaction immediately; an invite server transaction
// lives until its ACK arrives.
func (tx *serverTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil
	}
	tx.lastRes = res
	final := res.StatusCode >= 200
	tx.mu.Unlock()

	if err := tx.ua.transport.Send(res); err != nil {
		return err
	}

	if final && tx.kind == KindNIST {
		tx.Terminate()
	}
	return nil
}

// ReceiveRequest absorbs retransmissions of the original request and, for
// invite server transactions, the ACK completing a final response.
func (tx *serverTx) ReceiveRequest(req *sip.Request) bool {
	switch {
	case req.Method == tx.req.Method:
		tx.mu.Lock()
		res := tx.lastRes
		tx.mu.Unlock()
		if res != nil {
			if err := tx.ua.transport.Send(res); err != nil {
				tx.log.Debug().Err(err).Msg("Retransmit failed")
			}
		}
		return true
	case req.Method == sip.ACK && tx.kind == KindIST:
		tx.Terminate()
		return true
	}
	return false
}

func (tx *serverTx) Terminate() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	tx.mu.Unlock()
	tx.ua.transactions.unregister(tx)
}
