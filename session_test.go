// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliverInvite(ua *UserAgent, tr *fakeTransport, callID, branch string) {
	tr.deliver(ua, rawMsg(
		"INVITE sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch="+branch,
		"From: \"Bob\" <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>",
		"Call-ID: "+callID,
		"CSeq: 1 INVITE",
		"Contact: <sip:bob@peer.net:5060>",
		"Content-Length: 0",
	))
}

func TestSessionInboundAnswer(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	deliverInvite(ua, tr, "cid-in1", "z9hG4bK.in1")

	ev := nextAppEvent(t, ua)
	inv, ok := ev.(InviteEvent)
	require.True(t, ok)
	s := inv.Session
	require.NotNil(t, s)
	assert.Equal(t, SessionInitial, s.State())

	require.NoError(t, s.Progress(180, "Ringing"))
	res := tr.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 180, int(res.StatusCode))
	tag, hasTag := res.To().Params.Get("tag")
	require.True(t, hasTag)
	assert.Equal(t, s.localTag, tag)

	require.NoError(t, s.Answer(nil, ""))
	res = tr.lastResponse()
	assert.Equal(t, 200, int(res.StatusCode))
	require.NotNil(t, res.GetHeader("Contact"))
	// Every response in the dialog carries the same local tag.
	tag200, hasTag200 := res.To().Params.Get("tag")
	require.True(t, hasTag200)
	assert.Equal(t, tag, tag200)
	assert.Equal(t, SessionEstablished, s.State())

	// ACK for a 2xx arrives on a fresh branch with both tags.
	tr.deliver(ua, rawMsg(
		"ACK sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.ack1",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>;tag="+tag,
		"Call-ID: cid-in1",
		"CSeq: 1 ACK",
		"Content-Length: 0",
	))
	// The invite server transaction released on ACK.
	assert.Equal(t, 0, ua.transactions.totalCount())

	// BYE tears the session down.
	tr.deliver(ua, rawMsg(
		"BYE sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.bye1",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>;tag="+tag,
		"Call-ID: cid-in1",
		"CSeq: 2 BYE",
		"Content-Length: 0",
	))
	res = tr.lastResponse()
	assert.Equal(t, 200, int(res.StatusCode))
	assert.Equal(t, SessionTerminated, s.State())
	assert.Equal(t, 0, ua.dialogs.count())
	assert.Equal(t, 0, ua.sessions.count())
}

func TestSessionInboundReject(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	deliverInvite(ua, tr, "cid-rej1", "z9hG4bK.rej1")
	inv := nextAppEvent(t, ua).(InviteEvent)

	require.NoError(t, inv.Session.Reject(486, "Busy Here"))
	res := tr.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 486, int(res.StatusCode))
	assert.Equal(t, SessionTerminated, inv.Session.State())
	assert.Equal(t, 0, ua.sessions.count())
}

func TestSessionInboundCancel(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	deliverInvite(ua, tr, "cid-can1", "z9hG4bK.can1")
	inv := nextAppEvent(t, ua).(InviteEvent)
	s := inv.Session

	// CANCEL reuses the INVITE branch and carries no to-tag.
	tr.deliver(ua, rawMsg(
		"CANCEL sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.can1",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>",
		"Call-ID: cid-can1",
		"CSeq: 1 CANCEL",
		"Content-Length: 0",
	))

	// CANCEL drew a 200 and the INVITE a 487.
	res := tr.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 487, int(res.StatusCode))
	assert.Equal(t, SessionTerminated, s.State())
	assert.Equal(t, 0, ua.sessions.count())
}

func TestSessionReinviteReleasesTransaction(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	deliverInvite(ua, tr, "cid-re1", "z9hG4bK.re1")
	inv := nextAppEvent(t, ua).(InviteEvent)
	s := inv.Session
	require.NoError(t, s.Answer(nil, ""))
	tag, _ := tr.lastResponse().To().Params.Get("tag")

	tr.deliver(ua, rawMsg(
		"ACK sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.reack1",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>;tag="+tag,
		"Call-ID: cid-re1",
		"CSeq: 1 ACK",
		"Content-Length: 0",
	))
	require.Equal(t, 0, ua.transactions.totalCount())

	// A session refresh runs on its own invite transaction.
	tr.deliver(ua, rawMsg(
		"INVITE sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.re2",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>;tag="+tag,
		"Call-ID: cid-re1",
		"CSeq: 2 INVITE",
		"Contact: <sip:bob@peer.net:5060>",
		"Content-Length: 0",
	))
	res := tr.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 200, int(res.StatusCode))
	assert.Equal(t, 1, ua.transactions.totalCount())

	// Its ACK arrives on a fresh branch and releases that transaction too.
	tr.deliver(ua, rawMsg(
		"ACK sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.reack2",
		"From: <sip:bob@peer.net>;tag=bobtag",
		"To: <sip:alice@example.com>;tag="+tag,
		"Call-ID: cid-re1",
		"CSeq: 2 ACK",
		"Content-Length: 0",
	))
	assert.Equal(t, 0, ua.transactions.totalCount())
	assert.Equal(t, SessionEstablished, s.State())
}

func TestSessionOutboundEstablish(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	s, err := ua.Invite(sip.Uri{User: "bob", Host: "peer.net"}, InviteOptions{})
	require.NoError(t, err)

	ev := nextAppEvent(t, ua)
	_, ok := ev.(InviteSentEvent)
	assert.True(t, ok)

	invite := tr.lastRequest()
	require.NotNil(t, invite)
	require.Equal(t, sip.INVITE, invite.Method)

	progress := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	progress.To().Params = progress.To().Params.Add("tag", "btag")
	tr.deliverResponse(ua, progress)
	assert.Equal(t, SessionProceeding, s.State())
	assert.Equal(t, 1, ua.dialogs.count())

	answer := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	answer.To().Params = answer.To().Params.Add("tag", "btag")
	answer.AppendHeader(sip.NewHeader("Contact", "<sip:bob@peer.net:5070>"))
	tr.deliverResponse(ua, answer)

	assert.Equal(t, SessionEstablished, s.State())
	ack := tr.lastRequest()
	require.NotNil(t, ack)
	assert.Equal(t, sip.ACK, ack.Method)
	// The ACK for a 2xx gets its own branch.
	assert.NotEqual(t, topViaBranch(invite), topViaBranch(ack))

	s.Terminate()
	bye := tr.lastRequest()
	require.NotNil(t, bye)
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, SessionTerminated, s.State())
	assert.Equal(t, 0, ua.dialogs.count())
}

func TestSessionOutboundRejected(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	s, err := ua.Invite(sip.Uri{User: "bob", Host: "peer.net"}, InviteOptions{})
	require.NoError(t, err)

	var failed *sip.Response
	s.OnFail(func(res *sip.Response) { failed = res })

	invite := tr.lastRequest()
	busy := sip.NewResponseFromRequest(invite, 486, "Busy Here", nil)
	busy.To().Params = busy.To().Params.Add("tag", "btag")
	tr.deliverResponse(ua, busy)

	assert.Equal(t, SessionTerminated, s.State())
	require.NotNil(t, failed)
	assert.Equal(t, 486, int(failed.StatusCode))
	assert.Equal(t, 0, ua.sessions.count())
	assert.Equal(t, 0, ua.transactions.totalCount())
}

func TestSessionOutboundCancel(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	s, err := ua.Invite(sip.Uri{User: "bob", Host: "peer.net"}, InviteOptions{})
	require.NoError(t, err)

	invite := tr.lastRequest()
	require.Equal(t, sip.INVITE, invite.Method)

	s.Terminate()
	cancel := tr.lastRequest()
	require.NotNil(t, cancel)
	assert.Equal(t, sip.CANCEL, cancel.Method)
	// The CANCEL mirrors the branch of the INVITE it cancels.
	assert.Equal(t, topViaBranch(invite), topViaBranch(cancel))
	assert.Equal(t, SessionTerminated, s.State())
}

func TestSessionInviteWithReplaces(t *testing.T) {
	ua, tr := newTestUA(Config{SupportReplaces: true})
	skipStartupEvents(ua)

	// Establish a first call to be replaced.
	deliverInvite(ua, tr, "cid-orig", "z9hG4bK.orig")
	first := nextAppEvent(t, ua).(InviteEvent).Session
	require.NoError(t, first.Answer(nil, ""))
	localTag, _ := tr.lastResponse().To().Params.Get("tag")

	tr.deliver(ua, rawMsg(
		"INVITE sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP other.net;branch=z9hG4bK.repl",
		"From: <sip:carol@other.net>;tag=caroltag",
		"To: <sip:alice@example.com>",
		"Call-ID: cid-repl",
		"CSeq: 1 INVITE",
		"Replaces: cid-orig;to-tag="+localTag+";from-tag=bobtag",
		"Content-Length: 0",
	))

	inv := nextAppEvent(t, ua).(InviteEvent)
	require.NotNil(t, inv.Session.Replacee)
	assert.Same(t, first, inv.Session.Replacee)
}
