// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// DialogState tracks the RFC 3261 dialog lifecycle.
type DialogState int

const (
	DialogEarly DialogState = iota
	DialogConfirmed
	DialogTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogEarly:
		return "early"
	case DialogConfirmed:
		return "confirmed"
	case DialogTerminated:
		return "terminated"
	}
	return "unknown"
}

// DialogOwner is the capability a dialog dispatches into: a Session or a
// Subscription. In-dialog requests are forwarded here; Terminate is the
// owner's teardown path during shutdown.
type DialogOwner interface {
	// ReceiveRequest handles an in-dialog request. tx is non-nil only for
	// INVITE, which gets a fresh server transaction before dispatch; other
	// methods are answered statelessly by the owner.
	ReceiveRequest(req *sip.Request, tx ServerTransaction)
	Terminate()
}

// Dialog is a live tag-pair relationship. Exactly one dialog may exist per
// key at a time; the registry rejects a second registration for the same key.
type Dialog struct {
	Key   DialogKey
	Owner DialogOwner

	mu    sync.Mutex
	state DialogState
}

func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialog) setState(s DialogState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// dialogRegistry stores dialogs under their exact key. Lookup is symmetric:
// it consults both tag orderings, since either endpoint may have originated
// the Call-ID and tags.
type dialogRegistry struct {
	mu sync.RWMutex
	m  map[DialogKey]*Dialog
}

func newDialogRegistry() *dialogRegistry {
	return &dialogRegistry{m: make(map[DialogKey]*Dialog)}
}

func (r *dialogRegistry) store(d *Dialog) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[d.Key]; exists {
		return false
	}
	if _, exists := r.m[d.Key.flip()]; exists {
		return false
	}
	r.m[d.Key] = d
	return true
}

func (r *dialogRegistry) find(key DialogKey) (*Dialog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.m[key]; ok {
		return d, true
	}
	if d, ok := r.m[key.flip()]; ok {
		return d, true
	}
	return nil, false
}

func (r *dialogRegistry) delete(key DialogKey) {
	r.mu.Lock()
	delete(r.m, key)
	delete(r.m, key.flip())
	r.mu.Unlock()
}

func (r *dialogRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
