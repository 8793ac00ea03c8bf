// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	kind TxKind
	id   string
}

func (s *stubTx) Kind() TxKind          { return s.kind }
func (s *stubTx) ID() string            { return s.id }
func (s *stubTx) Request() *sip.Request { return nil }
func (s *stubTx) Terminate()            {}

func TestTransactionRegistryRegister(t *testing.T) {
	r := newTransactionRegistry()

	created := 0
	r.onCreated = func(Transaction) { created++ }

	tx := &stubTx{kind: KindNICT, id: "z9hG4bK.1"}
	require.NoError(t, r.register(tx))
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, r.countByKind(KindNICT))
	assert.Equal(t, 1, r.totalCount())

	got, ok := r.lookup(KindNICT, "z9hG4bK.1")
	require.True(t, ok)
	assert.Same(t, Transaction(tx), got)

	// Same id on another partition is a different transaction.
	require.NoError(t, r.register(&stubTx{kind: KindICT, id: "z9hG4bK.1"}))
	assert.Equal(t, 2, r.totalCount())
}

func TestTransactionRegistryDuplicate(t *testing.T) {
	r := newTransactionRegistry()
	require.NoError(t, r.register(&stubTx{kind: KindIST, id: "z9hG4bK.x"}))

	err := r.register(&stubTx{kind: KindIST, id: "z9hG4bK.x"})
	require.Error(t, err)

	var dup *DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, KindIST, dup.Kind)
	assert.Equal(t, "z9hG4bK.x", dup.ID)
	assert.Equal(t, 1, r.countByKind(KindIST))
}

func TestTransactionRegistryUnregisterAlwaysNotifies(t *testing.T) {
	r := newTransactionRegistry()

	destroyed := 0
	r.onDestroyed = func(Transaction) { destroyed++ }

	tx := &stubTx{kind: KindNIST, id: "z9hG4bK.y"}
	require.NoError(t, r.register(tx))

	r.unregister(tx)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, r.totalCount())

	// Removing an absent transaction is not an error, but the
	// notification still fires: shutdown draining re-checks on every one.
	r.unregister(tx)
	assert.Equal(t, 2, destroyed)
}

func TestTransactionKindString(t *testing.T) {
	assert.Equal(t, "ict", KindICT.String())
	assert.Equal(t, "ist", KindIST.String())
	assert.Equal(t, "nict", KindNICT.String())
	assert.Equal(t, "nist", KindNIST.String())
}
