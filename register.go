// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
)

// RegisterResponseError is returned through RegistrationFailedEvent when the
// registrar answers with a negative final response.
type RegisterResponseError struct {
	RegisterReq *sip.Request
	RegisterRes *sip.Response

	Msg string
}

func (e *RegisterResponseError) StatusCode() int {
	return int(e.RegisterRes.StatusCode)
}

func (e RegisterResponseError) Error() string {
	return e.Msg
}

// RegisterOptions shape the UA registration.
type RegisterOptions struct {
	// Digest auth
	Username string
	Password string

	// Expiry is for the Expires header
	Expiry time.Duration

	AllowHeaders []string
}

// RegisterContext binds the UA's contact at a registrar and keeps enough
// state to retry once through a digest challenge and to unregister later.
type RegisterContext struct {
	ua   *UserAgent
	log  zerolog.Logger
	opts RegisterOptions

	registrar sip.Uri
	callID    string
	localTag  string

	mu        sync.Mutex
	localCSeq uint32
	expiry    time.Duration
	retried   bool
	closed    bool
}

// Register sends a REGISTER toward the configured registrar. The context is
// kept by the UA so Stop can unregister; results surface as Registered /
// RegistrationFailed events.
func (ua *UserAgent) Register(opts RegisterOptions) (*RegisterContext, error) {
	if ua.Status() == StatusUserClosed {
		return nil, ErrUserAgentClosed
	}
	if ua.config.Registrar.Host == "" {
		return nil, configErrorf("Registrar", "registrar not configured")
	}
	if opts.Expiry == 0 {
		opts.Expiry = 600 * time.Second
	}

	rc := &RegisterContext{
		ua:        ua,
		log:       ua.log.With().Str("caller", "Register").Logger(),
		opts:      opts,
		registrar: ua.config.Registrar,
		callID:    generateCallID(),
		localTag:  generateTag(),
		expiry:    opts.Expiry,
	}
	ua.setRegisterContext(rc)

	ua.transport.AfterConnected(func() {
		if err := rc.send(rc.opts.Expiry, nil); err != nil {
			rc.log.Error().Err(err).Msg("REGISTER send failed")
			rc.ua.emit(RegistrationFailedEvent{Err: err})
		}
	})
	return rc, nil
}

func (rc *RegisterContext) send(expiry time.Duration, chal *digest.Challenge) error {
	rc.mu.Lock()
	rc.localCSeq++
	cseq := rc.localCSeq
	rc.mu.Unlock()

	req := rc.buildRequest(cseq, expiry)
	if chal != nil {
		cred, err := digest.Digest(chal, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      rc.registrar.String(),
			Username: rc.opts.Username,
			Password: rc.opts.Password,
		})
		if err != nil {
			return err
		}
		req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	}

	unregistering := expiry == 0
	_, err := rc.ua.newClientTx(req, clientTxHandlers{
		onResponse: func(res *sip.Response) { rc.receiveResponse(req, res, unregistering) },
		onTimeout: func() {
			rc.ua.emit(RegistrationFailedEvent{Err: ErrTransportClosed})
		},
		onTransportError: func(err error) {
			rc.ua.emit(RegistrationFailedEvent{Err: err})
		},
	})
	return err
}

func (rc *RegisterContext) buildRequest(cseq uint32, expiry time.Duration) *sip.Request {
	req := rc.ua.newOutgoingRequest(sip.REGISTER, rc.registrar, requestParams{
		fromTag:     rc.localTag,
		callID:      rc.callID,
		cseq:        cseq,
		omitContact: true,
	})
	contact := rc.ua.contactHeader()
	req.AppendHeader(contact)
	expires := sip.ExpiresHeader(expiry.Seconds())
	req.AppendHeader(&expires)
	if rc.opts.AllowHeaders != nil {
		req.AppendHeader(sip.NewHeader("Allow", strings.Join(rc.opts.AllowHeaders, ", ")))
	}
	return req
}

func (rc *RegisterContext) receiveResponse(req *sip.Request, res *sip.Response, unregistering bool) {
	if res.StatusCode < 200 {
		return
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		rc.mu.Lock()
		retried := rc.retried
		rc.retried = true
		rc.mu.Unlock()
		if retried {
			rc.ua.emit(RegistrationFailedEvent{Response: res, Err: &RegisterResponseError{
				RegisterReq: req, RegisterRes: res, Msg: "authentication rejected",
			}})
			return
		}

		hdr := res.GetHeader("WWW-Authenticate")
		if hdr == nil {
			hdr = res.GetHeader("Proxy-Authenticate")
		}
		if hdr == nil {
			rc.ua.emit(RegistrationFailedEvent{Response: res, Err: &RegisterResponseError{
				RegisterReq: req, RegisterRes: res, Msg: "challenge without authenticate header",
			}})
			return
		}
		chal, err := digest.ParseChallenge(hdr.Value())
		if err != nil {
			rc.ua.emit(RegistrationFailedEvent{Response: res, Err: err})
			return
		}
		rc.log.Debug().Str("realm", chal.Realm).Msg("Digest challenge, retrying")
		var expiry time.Duration
		if !unregistering {
			expiry = rc.opts.Expiry
		}
		if err := rc.send(expiry, chal); err != nil {
			rc.ua.emit(RegistrationFailedEvent{Err: err})
		}
		return
	}

	if res.StatusCode != sip.StatusOK {
		rc.ua.emit(RegistrationFailedEvent{Response: res, Err: &RegisterResponseError{
			RegisterReq: req, RegisterRes: res, Msg: res.StartLine(),
		}})
		return
	}

	rc.mu.Lock()
	rc.retried = false
	rc.mu.Unlock()

	if unregistering {
		rc.ua.emit(UnregisteredEvent{Response: res})
		return
	}

	// The registrar may shorten our requested binding lifetime.
	if h := res.GetHeader("Expires"); h != nil {
		if val, err := strconv.Atoi(h.Value()); err == nil {
			rc.mu.Lock()
			rc.expiry = time.Duration(val) * time.Second
			rc.mu.Unlock()
		}
	}
	rc.ua.emit(RegisteredEvent{Response: res})
}

// Expiry is the binding lifetime granted by the registrar.
func (rc *RegisterContext) Expiry() time.Duration {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.expiry
}

// Close unregisters the binding best-effort. Safe to call more than once.
func (rc *RegisterContext) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.retried = false
	rc.mu.Unlock()

	rc.ua.clearRegisterContext(rc)
	return rc.send(0, nil)
}
