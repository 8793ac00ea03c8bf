// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOwner struct {
	terminated int
}

func (o *stubOwner) ReceiveRequest(*sip.Request, ServerTransaction) {}
func (o *stubOwner) Terminate()                                     { o.terminated++ }

func TestDialogRegistrySymmetricLookup(t *testing.T) {
	r := newDialogRegistry()
	d := &Dialog{
		Key:   DialogKey{CallID: "cid", TagA: "alice", TagB: "bob"},
		Owner: &stubOwner{},
	}
	require.True(t, r.store(d))

	got, ok := r.find(DialogKey{CallID: "cid", TagA: "alice", TagB: "bob"})
	require.True(t, ok)
	assert.Same(t, d, got)

	// The same dialog resolves with the tags swapped.
	got, ok = r.find(DialogKey{CallID: "cid", TagA: "bob", TagB: "alice"})
	require.True(t, ok)
	assert.Same(t, d, got)

	_, ok = r.find(DialogKey{CallID: "other", TagA: "alice", TagB: "bob"})
	assert.False(t, ok)
}

func TestDialogRegistryRejectsSecondLiveDialog(t *testing.T) {
	r := newDialogRegistry()
	key := DialogKey{CallID: "cid", TagA: "a", TagB: "b"}
	require.True(t, r.store(&Dialog{Key: key, Owner: &stubOwner{}}))

	assert.False(t, r.store(&Dialog{Key: key, Owner: &stubOwner{}}))
	assert.False(t, r.store(&Dialog{Key: key.flip(), Owner: &stubOwner{}}))

	r.delete(key.flip())
	assert.Equal(t, 0, r.count())
	assert.True(t, r.store(&Dialog{Key: key, Owner: &stubOwner{}}))
}

func TestParseReplaces(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("Replaces", "cid123;to-tag=tt;from-tag=ft;early-only"))

	rpl, ok := parseReplaces(req)
	require.True(t, ok)
	assert.Equal(t, "cid123", rpl.CallID)
	assert.Equal(t, "tt", rpl.ToTag)
	assert.Equal(t, "ft", rpl.FromTag)
	assert.True(t, rpl.EarlyOnly)
	assert.Equal(t, DialogKey{CallID: "cid123", TagA: "tt", TagB: "ft"}, rpl.DialogKey())
}

func TestParseReplacesMissingTags(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("Replaces", "cid123;to-tag=tt"))

	_, ok := parseReplaces(req)
	assert.False(t, ok)

	noHeader := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "example.com"})
	_, ok = parseReplaces(noHeader)
	assert.False(t, ok)
}
