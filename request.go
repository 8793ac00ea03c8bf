// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// requestParams carries the dialog-forming fields of an outgoing request.
// Zero values get generated or defaulted.
type requestParams struct {
	fromTag string
	toTag   string
	callID  string
	cseq    uint32

	body        []byte
	contentType string
	headers     []sip.Header

	// omitContact skips the Contact header (REGISTER builds its own).
	omitContact bool
}

// newOutgoingRequest builds a request with the identity headers every
// outbound exchange needs. The Via is added later by the client transaction
// that owns the branch.
func (ua *UserAgent) newOutgoingRequest(method sip.RequestMethod, target sip.Uri, p requestParams) *sip.Request {
	req := sip.NewRequest(method, target)

	if p.fromTag == "" {
		p.fromTag = generateTag()
	}
	if p.callID == "" {
		p.callID = generateCallID()
	}
	if p.cseq == 0 {
		p.cseq = 1
	}

	from := &sip.FromHeader{
		DisplayName: ua.config.DisplayName,
		Address:     ua.config.URI,
		Params:      sip.NewParams().Add("tag", p.fromTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: target,
		Params:  sip.NewParams(),
	}
	if p.toTag != "" {
		to.Params = to.Params.Add("tag", p.toTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(p.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if !p.omitContact {
		req.AppendHeader(ua.contactHeader())
	}

	req.AppendHeader(sip.NewHeader("User-Agent", ua.config.UserAgentName))

	for _, h := range p.headers {
		req.AppendHeader(h)
	}

	if p.body != nil {
		if p.contentType != "" {
			ct := sip.ContentTypeHeader(p.contentType)
			req.AppendHeader(&ct)
		}
		req.SetBody(p.body)
	}

	return req
}

func (ua *UserAgent) contactHeader() *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: ua.contact.URI,
		Params:  sip.NewParams(),
	}
}

// replyStateless answers a request outside of any transaction, the way a
// protocol-level negative reply does not deserve transaction state.
func (ua *UserAgent) replyStateless(req *sip.Request, status int, reason string, headers ...sip.Header) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	ensureToTag(res)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if err := ua.transport.Send(res); err != nil {
		ua.log.Debug().Err(err).Int("status", status).Msg("Stateless reply failed")
	}
	ua.metrics.autoReply(status)
}

// ensureToTag stamps a locally generated tag on a response To header when the
// request carried none. Responses above 100 must carry one.
func ensureToTag(res *sip.Response) {
	to := res.To()
	if to == nil || res.StatusCode == 100 {
		return
	}
	if _, ok := to.Params.Get("tag"); !ok {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", generateTag())
	}
}

// setResponseToTag forces a specific local tag, used by sessions whose tag
// is part of their dialog identity. Any generated tag is replaced so that
// every response within the dialog carries the same one.
func setResponseToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params = to.Params.Add("tag", tag)
}

// parseContactURI pulls the URI out of a Contact header value, tolerating
// the name-addr and addr-spec forms.
func parseContactURI(value string) (sip.Uri, bool) {
	v := value
	if i := strings.IndexByte(v, '<'); i >= 0 {
		j := strings.IndexByte(v, '>')
		if j <= i {
			return sip.Uri{}, false
		}
		v = v[i+1 : j]
	} else if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}

	var uri sip.Uri
	if err := sip.ParseUri(strings.TrimSpace(v), &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}
