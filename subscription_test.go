// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionPromotedByNotify(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	sub, err := ua.Subscribe(sip.Uri{User: "bob", Host: "peer.net"}, "presence", SubscribeOptions{Expires: 120})
	require.NoError(t, err)

	var notified *sip.Request
	sub.OnNotify(func(req *sip.Request) { notified = req })

	subscribe := tr.lastRequest()
	require.NotNil(t, subscribe)
	require.Equal(t, sip.SUBSCRIBE, subscribe.Method)
	require.NotNil(t, subscribe.GetHeader("Event"))
	assert.Equal(t, "presence", subscribe.GetHeader("Event").Value())
	assert.Equal(t, "120", subscribe.GetHeader("Expires").Value())

	localTag := fromTag(subscribe)
	require.NotEmpty(t, localTag)

	// A NOTIFY may beat the SUBSCRIBE 2xx; it both confirms and delivers.
	tr.deliver(ua, rawMsg(
		"NOTIFY sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.ntf1",
		"From: <sip:bob@peer.net>;tag=notifiertag",
		"To: <sip:alice@example.com>;tag="+localTag,
		"Call-ID: "+callIDValue(subscribe),
		"CSeq: 1 NOTIFY",
		"Event: presence",
		"Subscription-State: active;expires=120",
		"Content-Length: 0",
	))

	res := tr.lastResponse()
	require.NotNil(t, res)
	assert.Equal(t, 200, int(res.StatusCode))
	require.NotNil(t, notified)
	assert.Equal(t, 1, ua.dialogs.count())
	assert.Empty(t, ua.earlySubs.all())

	// A second NOTIFY routes through the dialog now.
	tr.deliver(ua, rawMsg(
		"NOTIFY sip:alice@example.com SIP/2.0",
		"Via: SIP/2.0/UDP peer.net;branch=z9hG4bK.ntf2",
		"From: <sip:bob@peer.net>;tag=notifiertag",
		"To: <sip:alice@example.com>;tag="+localTag,
		"Call-ID: "+callIDValue(subscribe),
		"CSeq: 2 NOTIFY",
		"Event: presence",
		"Subscription-State: terminated;reason=timeout",
		"Content-Length: 0",
	))
	assert.Equal(t, 200, int(tr.lastResponse().StatusCode))
	// Terminal state releases the dialog.
	assert.Equal(t, 0, ua.dialogs.count())
}

func TestSubscriptionConfirmedByResponse(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	_, err := ua.Subscribe(sip.Uri{User: "bob", Host: "peer.net"}, "presence", SubscribeOptions{})
	require.NoError(t, err)

	subscribe := tr.lastRequest()
	accepted := sip.NewResponseFromRequest(subscribe, 202, "Accepted", nil)
	accepted.To().Params = accepted.To().Params.Add("tag", "notifiertag")
	tr.deliverResponse(ua, accepted)

	assert.Equal(t, 1, ua.dialogs.count())
	assert.Empty(t, ua.earlySubs.all())
}

func TestSubscriptionCloseUnsubscribes(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	sub, err := ua.Subscribe(sip.Uri{User: "bob", Host: "peer.net"}, "presence", SubscribeOptions{})
	require.NoError(t, err)

	subscribe := tr.lastRequest()
	accepted := sip.NewResponseFromRequest(subscribe, 202, "Accepted", nil)
	accepted.To().Params = accepted.To().Params.Add("tag", "notifiertag")
	tr.deliverResponse(ua, accepted)

	require.NoError(t, sub.Close())
	unsub := tr.lastRequest()
	require.NotNil(t, unsub)
	require.Equal(t, sip.SUBSCRIBE, unsub.Method)
	assert.Equal(t, "0", unsub.GetHeader("Expires").Value())
	// The unsubscribe rides the established dialog.
	tag, _ := unsub.To().Params.Get("tag")
	assert.Equal(t, "notifiertag", tag)
	assert.Equal(t, 0, ua.dialogs.count())
}

func TestSubscriptionFailedSubscribe(t *testing.T) {
	ua, tr := newTestUA(Config{})
	skipStartupEvents(ua)

	sub, err := ua.Subscribe(sip.Uri{User: "bob", Host: "peer.net"}, "presence", SubscribeOptions{})
	require.NoError(t, err)

	var failed bool
	sub.OnFail(func(*sip.Response) { failed = true })

	subscribe := tr.lastRequest()
	res := sip.NewResponseFromRequest(subscribe, sip.StatusForbidden, "Forbidden", nil)
	res.To().Params = res.To().Params.Add("tag", "x")
	tr.deliverResponse(ua, res)

	assert.True(t, failed)
	assert.Empty(t, ua.earlySubs.all())
	assert.Equal(t, 0, ua.dialogs.count())
}
