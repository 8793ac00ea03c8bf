// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// newTestUA wires a started user agent onto a fresh fake transport.
func newTestUA(cfg Config, opts ...Option) (*UserAgent, *fakeTransport) {
	tr := newFakeTransport()
	if cfg.URI.Host == "" {
		cfg.URI = sip.Uri{User: "alice", Host: "example.com"}
	}
	ua, err := NewUserAgent(tr, cfg, opts...)
	if err != nil {
		panic(err)
	}
	if err := ua.Start(); err != nil {
		panic(err)
	}
	return ua, tr
}

// rawMsg joins wire lines into one CRLF-framed SIP message.
func rawMsg(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

// rawMsgBody is rawMsg with a message body after the blank line.
func rawMsgBody(body string, lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n\r\n" + body
}

// fakeTransport is an in-memory Transport for tests: it records outbound
// messages and lets tests inject raw inbound traffic and connection events.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	secure    bool
	sendErr   error

	sent        []sip.Message
	deferred    []func()
	listener    TransportListener
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Connect() error {
	t.mu.Lock()
	t.connected = true
	queued := t.deferred
	t.deferred = nil
	l := t.listener
	t.mu.Unlock()

	if l != nil {
		l.OnConnected()
	}
	for _, fn := range queued {
		fn()
	}
	return nil
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.disconnects++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Send(msg sip.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) AfterConnected(fn func()) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		fn()
		return
	}
	t.deferred = append(t.deferred, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Secure() bool     { return t.secure }
func (t *fakeTransport) Protocol() string { return "UDP" }

func (t *fakeTransport) SetListener(l TransportListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) lastSent() sip.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) lastRequest() *sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if req, ok := t.sent[i].(*sip.Request); ok {
			return req
		}
	}
	return nil
}

func (t *fakeTransport) lastResponse() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if res, ok := t.sent[i].(*sip.Response); ok {
			return res
		}
	}
	return nil
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// deliver pushes a raw wire message through the full routing path.
func (t *fakeTransport) deliver(ua *UserAgent, raw string) {
	ua.OnMessage([]byte(raw))
}

// deliverResponse serializes and delivers a response built off a sent request.
func (t *fakeTransport) deliverResponse(ua *UserAgent, res *sip.Response) {
	ua.OnMessage([]byte(res.String()))
}
