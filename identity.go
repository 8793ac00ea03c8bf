// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// RFC 3261 magic cookie for Via branch parameters.
const branchMagicCookie = "z9hG4bK"

func generateTag() string {
	return uuid.NewString()[:13]
}

func generateCallID() string {
	return uuid.NewString()
}

func generateBranch() string {
	return branchMagicCookie + "." + uuid.NewString()
}

// DialogKey identifies a dialog by Call-ID and its tag pair. Equality is
// symmetric in the tags: either endpoint may have originated the dialog, so a
// key built from an inbound request (from-tag, to-tag) must match a dialog
// registered with the tags in the opposite order. Callers must use
// (DialogKey).flip for the second lookup rather than relying on map equality.
type DialogKey struct {
	CallID string
	TagA   string
	TagB   string
}

func (k DialogKey) flip() DialogKey {
	return DialogKey{CallID: k.CallID, TagA: k.TagB, TagB: k.TagA}
}

func (k DialogKey) String() string {
	return k.CallID + "/" + k.TagA + "/" + k.TagB
}

// sessionKey finds a session by Call-ID plus a single tag. A session is
// registered under both of its tags so either call leg resolves it.
type sessionKey struct {
	callID string
	tag    string
}

// subscriptionKey identifies a subscription by Call-ID, the local tag (which
// appears as the to-tag of inbound NOTIFYs) and the event package.
type subscriptionKey struct {
	callID string
	tag    string
	event  string
}

func fromTag(msg sip.Message) string {
	if from := msg.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func toTag(msg sip.Message) string {
	if to := msg.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

func topViaBranch(msg sip.Message) string {
	if via := msg.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			return branch
		}
	}
	return ""
}

func callIDValue(msg sip.Message) string {
	if cid := msg.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// requestDialogKey builds the key as seen from an inbound request: the remote
// party's tag is the from-tag, ours is the to-tag.
func requestDialogKey(req *sip.Request) DialogKey {
	return DialogKey{CallID: callIDValue(req), TagA: fromTag(req), TagB: toTag(req)}
}

// ReplacesHeader is the parsed form of a Replaces header (RFC 3891):
// call-id plus the tags of the dialog being replaced, with an optional
// early-only restriction.
type ReplacesHeader struct {
	CallID    string
	ToTag     string
	FromTag   string
	EarlyOnly bool
}

// DialogKey returns the key of the dialog the header points at. Per RFC 3891
// the to-tag/from-tag are given from the recipient's point of view.
func (r ReplacesHeader) DialogKey() DialogKey {
	return DialogKey{CallID: r.CallID, TagA: r.ToTag, TagB: r.FromTag}
}

// parseReplaces parses a Replaces header value. Returns ok=false when the
// header is absent or misses a mandatory tag parameter.
func parseReplaces(req *sip.Request) (ReplacesHeader, bool) {
	h := req.GetHeader("Replaces")
	if h == nil {
		return ReplacesHeader{}, false
	}

	parts := strings.Split(h.Value(), ";")
	r := ReplacesHeader{CallID: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case strings.HasPrefix(p, "to-tag="):
			r.ToTag = strings.TrimPrefix(p, "to-tag=")
		case strings.HasPrefix(p, "from-tag="):
			r.FromTag = strings.TrimPrefix(p, "from-tag=")
		case p == "early-only":
			r.EarlyOnly = true
		}
	}

	if r.CallID == "" || r.ToTag == "" || r.FromTag == "" {
		return ReplacesHeader{}, false
	}
	return r, true
}
