// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// RequestContext drives one out-of-dialog non-INVITE request and classifies
// the responses it draws. It stays registered in the applicant arena from
// Send until the first final response, timeout or transport error.
type RequestContext struct {
	ua     *UserAgent
	log    zerolog.Logger
	handle uint64

	req *sip.Request

	mu       sync.Mutex
	sent     bool
	resolved bool

	onProgress func(res *sip.Response)
	onAccepted func(res *sip.Response)
	onRejected func(res *sip.Response)
	onFailed   func(res *sip.Response)
}

// OnProgress fires per 1xx.
func (rc *RequestContext) OnProgress(fn func(*sip.Response)) { rc.onProgress = fn }

// OnAccepted fires once on a 2xx.
func (rc *RequestContext) OnAccepted(fn func(*sip.Response)) { rc.onAccepted = fn }

// OnRejected fires once on a 3xx-6xx.
func (rc *RequestContext) OnRejected(fn func(*sip.Response)) { rc.onRejected = fn }

// OnFailed fires once on rejection, timeout or transport error. res is nil
// when there was no response.
func (rc *RequestContext) OnFailed(fn func(*sip.Response)) { rc.onFailed = fn }

// RequestOptions shape an out-of-dialog request.
type RequestOptions struct {
	Body        []byte
	ContentType string
	Headers     []sip.Header
}

// Request builds a context for an arbitrary out-of-dialog method. The caller
// sets callbacks, then Send puts it on the wire.
func (ua *UserAgent) Request(method sip.RequestMethod, target sip.Uri, opts RequestOptions) (*RequestContext, error) {
	if ua.Status() == StatusUserClosed {
		return nil, ErrUserAgentClosed
	}
	req := ua.newOutgoingRequest(method, target, requestParams{
		fromTag:     generateTag(),
		callID:      generateCallID(),
		body:        opts.Body,
		contentType: opts.ContentType,
		headers:     opts.Headers,
		omitContact: true,
	})
	rc := &RequestContext{
		ua:  ua,
		req: req,
	}
	rc.log = ua.log.With().Str("caller", "RequestCtx").Str("method", method.String()).Logger()
	return rc, nil
}

// Message sends a page-mode MESSAGE and resolves through the same context.
func (ua *UserAgent) Message(target sip.Uri, body []byte, contentType string) (*RequestContext, error) {
	rc, err := ua.Request(sip.MESSAGE, target, RequestOptions{Body: body, ContentType: contentType})
	if err != nil {
		return nil, err
	}
	return rc, rc.Send()
}

// Send registers the context in the arena and hands the request to a fresh
// non-INVITE client transaction.
func (rc *RequestContext) Send() error {
	rc.mu.Lock()
	if rc.sent {
		rc.mu.Unlock()
		return nil
	}
	rc.sent = true
	rc.mu.Unlock()

	rc.handle = rc.ua.applicants.put(rc)
	_, err := rc.ua.newClientTx(rc.req, clientTxHandlers{
		onResponse:       rc.receiveResponse,
		onTimeout:        func() { rc.fail(nil) },
		onTransportError: func(error) { rc.fail(nil) },
	})
	if err != nil {
		rc.ua.applicants.take(rc.handle)
		return err
	}
	return nil
}

func (rc *RequestContext) receiveResponse(res *sip.Response) {
	switch {
	case res.StatusCode < 200:
		if rc.onProgress != nil {
			rc.onProgress(res)
		}

	case res.StatusCode < 300:
		if !rc.resolve() {
			return
		}
		rc.ua.applicants.take(rc.handle)
		if rc.onAccepted != nil {
			rc.onAccepted(res)
		}

	default:
		if !rc.resolve() {
			return
		}
		rc.ua.applicants.take(rc.handle)
		if rc.onRejected != nil {
			rc.onRejected(res)
		}
		if rc.onFailed != nil {
			rc.onFailed(res)
		}
	}
}

func (rc *RequestContext) fail(res *sip.Response) {
	if !rc.resolve() {
		return
	}
	rc.ua.applicants.take(rc.handle)
	if rc.onFailed != nil {
		rc.onFailed(res)
	}
}

// resolve reports whether this call won the single resolution slot.
func (rc *RequestContext) resolve() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.resolved {
		return false
	}
	rc.resolved = true
	return true
}

// applicantArena holds pending request contexts under generated numeric
// handles, so tracking never depends on pointer identity.
type applicantArena struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]*RequestContext
}

func newApplicantArena() *applicantArena {
	return &applicantArena{m: make(map[uint64]*RequestContext)}
}

func (a *applicantArena) put(rc *RequestContext) uint64 {
	h := atomic.AddUint64(&a.next, 1)
	a.mu.Lock()
	a.m[h] = rc
	a.mu.Unlock()
	return h
}

// take removes and returns the context; absent handles return nil, so double
// resolution is harmless.
func (a *applicantArena) take(h uint64) *RequestContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	rc := a.m[h]
	delete(a.m, h)
	return rc
}

func (a *applicantArena) all() []*RequestContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*RequestContext, 0, len(a.m))
	for _, rc := range a.m {
		out = append(out, rc)
	}
	return out
}

func (a *applicantArena) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
