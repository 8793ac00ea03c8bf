// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// TxKind partitions the transaction registry per RFC 3261 17:
// Invite/Non-invite crossed with Client/Server.
type TxKind int

const (
	KindICT TxKind = iota
	KindIST
	KindNICT
	KindNIST

	numTxKinds
)

func (k TxKind) String() string {
	switch k {
	case KindICT:
		return "ict"
	case KindIST:
		return "ist"
	case KindNICT:
		return "nict"
	case KindNIST:
		return "nist"
	}
	return "unknown"
}

// Transaction is the opaque unit the registry owns: a kind, an identity and a
// termination path. Timer state machines live behind this interface.
type Transaction interface {
	Kind() TxKind
	// ID is the Via branch of the request that created the transaction.
	ID() string
	// Request returns the request that created the transaction.
	Request() *sip.Request
	// Terminate releases the transaction. It reports its own destruction
	// back to the registry exactly once.
	Terminate()
}

// ClientTransaction additionally receives correlated responses.
type ClientTransaction interface {
	Transaction
	ReceiveResponse(res *sip.Response)
}

// ServerTransaction additionally answers its request and absorbs
// retransmissions.
type ServerTransaction interface {
	Transaction
	Respond(res *sip.Response) error
	// ReceiveRequest offers an inbound request to the transaction. It
	// returns true when the request belongs to it (retransmission, or ACK
	// for an invite server transaction) and was absorbed.
	ReceiveRequest(req *sip.Request) bool
}

// transactionRegistry owns the four partitions of live transactions. Every
// removal path fires onDestroyed exactly once per unregister call, even for a
// transaction that is no longer present: the shutdown drain re-evaluates on
// each notification and a swallowed one could hang it forever.
type transactionRegistry struct {
	mu     sync.RWMutex
	byKind [numTxKinds]map[string]Transaction

	onCreated   func(tx Transaction)
	onDestroyed func(tx Transaction)
}

func newTransactionRegistry() *transactionRegistry {
	r := &transactionRegistry{}
	for i := range r.byKind {
		r.byKind[i] = make(map[string]Transaction)
	}
	return r
}

func (r *transactionRegistry) register(tx Transaction) error {
	r.mu.Lock()
	part := r.byKind[tx.Kind()]
	if _, exists := part[tx.ID()]; exists {
		r.mu.Unlock()
		return &DuplicateTransactionError{Kind: tx.Kind(), ID: tx.ID()}
	}
	part[tx.ID()] = tx
	r.mu.Unlock()

	if r.onCreated != nil {
		r.onCreated(tx)
	}
	return nil
}

func (r *transactionRegistry) unregister(tx Transaction) {
	r.mu.Lock()
	delete(r.byKind[tx.Kind()], tx.ID())
	r.mu.Unlock()

	if r.onDestroyed != nil {
		r.onDestroyed(tx)
	}
}

func (r *transactionRegistry) lookup(kind TxKind, id string) (Transaction, bool) {
	r.mu.RLock()
	tx, ok := r.byKind[kind][id]
	r.mu.RUnlock()
	return tx, ok
}

func (r *transactionRegistry) countByKind(kind TxKind) int {
	r.mu.RLock()
	n := len(r.byKind[kind])
	r.mu.RUnlock()
	return n
}

func (r *transactionRegistry) totalCount() int {
	r.mu.RLock()
	n := 0
	for i := range r.byKind {
		n += len(r.byKind[i])
	}
	r.mu.RUnlock()
	return n
}
