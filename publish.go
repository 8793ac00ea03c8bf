// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strconv"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// PublishContext maintains event state at an event state compositor (RFC
// 3903). The compositor hands back an entity tag on every successful PUBLISH;
// refreshes and the removal carry it back in SIP-If-Match.
type PublishContext struct {
	ua  *UserAgent
	log zerolog.Logger

	Event   string
	target  sip.Uri
	expires int

	callID    string
	localTag  string
	mu        sync.Mutex
	etag      string
	localCSeq uint32
	closed    bool

	onResult func(res *sip.Response)
}

// OnResult fires for every PUBLISH final response, success or not.
func (p *PublishContext) OnResult(fn func(*sip.Response)) { p.onResult = fn }

// PublishOptions shape a publication.
type PublishOptions struct {
	Expires int // seconds, 0 means the 3600 default
}

// Publisher creates a publication context for one event package at target.
// Nothing goes on the wire until the first Publish call.
func (ua *UserAgent) Publisher(target sip.Uri, event string, opts PublishOptions) (*PublishContext, error) {
	if ua.Status() == StatusUserClosed {
		return nil, ErrUserAgentClosed
	}
	if event == "" {
		return nil, configErrorf("Event", "event package required")
	}
	expires := opts.Expires
	if expires <= 0 {
		expires = 3600
	}

	p := &PublishContext{
		ua:       ua,
		Event:    event,
		target:   target,
		expires:  expires,
		callID:   generateCallID(),
		localTag: generateTag(),
	}
	p.log = ua.log.With().Str("caller", "Publish").Str("event", event).Logger()
	ua.publishers.add(p)
	return p, nil
}

// Publish sends the event state. An empty body with a held ETag is a refresh.
func (p *PublishContext) Publish(body []byte, contentType string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrUserAgentClosed
	}
	expires := p.expires
	p.mu.Unlock()
	return p.send(body, contentType, expires)
}

func (p *PublishContext) send(body []byte, contentType string, expires int) error {
	p.mu.Lock()
	p.localCSeq++
	cseq := p.localCSeq
	etag := p.etag
	p.mu.Unlock()

	req := p.ua.newOutgoingRequest(sip.PUBLISH, p.target, requestParams{
		fromTag:     p.localTag,
		callID:      p.callID,
		cseq:        cseq,
		body:        body,
		contentType: contentType,
		omitContact: true,
	})
	req.AppendHeader(sip.NewHeader("Event", p.Event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if etag != "" {
		req.AppendHeader(sip.NewHeader("SIP-If-Match", etag))
	}

	_, err := p.ua.newClientTx(req, clientTxHandlers{
		onResponse: p.receiveResponse,
		onTimeout:  func() { p.deliver(nil) },
	})
	return err
}

func (p *PublishContext) receiveResponse(res *sip.Response) {
	if res.StatusCode < 200 {
		return
	}
	if res.StatusCode < 300 {
		if h := res.GetHeader("SIP-ETag"); h != nil {
			p.mu.Lock()
			p.etag = h.Value()
			p.mu.Unlock()
		}
	} else if res.StatusCode == 412 {
		// Conditional request failed: our ETag is stale at the compositor.
		p.mu.Lock()
		p.etag = ""
		p.mu.Unlock()
	}
	p.deliver(res)
}

func (p *PublishContext) deliver(res *sip.Response) {
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Close removes the publication with Expires: 0 when state is held at the
// compositor, then detaches the context.
func (p *PublishContext) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	etag := p.etag
	p.mu.Unlock()

	p.ua.publishers.remove(p)
	if etag == "" {
		return nil
	}
	return p.send(nil, "", 0)
}

// publisherSet tracks live publish contexts so Stop can sweep them.
type publisherSet struct {
	mu sync.Mutex
	m  map[*PublishContext]struct{}
}

func newPublisherSet() *publisherSet {
	return &publisherSet{m: make(map[*PublishContext]struct{})}
}

func (s *publisherSet) add(p *PublishContext) {
	s.mu.Lock()
	s.m[p] = struct{}{}
	s.mu.Unlock()
}

func (s *publisherSet) remove(p *PublishContext) {
	s.mu.Lock()
	delete(s.m, p)
	s.mu.Unlock()
}

func (s *publisherSet) all() []*PublishContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PublishContext, 0, len(s.m))
	for p := range s.m {
		out = append(out, p)
	}
	return out
}
