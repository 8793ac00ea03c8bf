// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Config is the explicit UA configuration. Zero values take defaults in
// setDefaults; everything else is validated eagerly by NewUserAgent.
type Config struct {
	// URI is the UA's address of record, the From identity of every
	// outgoing request. Required.
	URI sip.Uri

	// DisplayName decorates the From header.
	DisplayName string

	// ContactName is the user part of generated Contact headers. Defaults
	// to URI.User.
	ContactName string

	// ContactURI overrides the generated Contact address entirely.
	ContactURI sip.Uri

	// ViaHost goes into generated Via headers. Defaults to URI.Host.
	ViaHost string

	// Registrar is the REGISTER target. Required only when Register is set
	// or Register() is called.
	Registrar sip.Uri

	// Register makes the UA register automatically whenever the transport
	// connects. Never fires again once the UA was stopped.
	Register        bool
	RegisterOptions RegisterOptions

	// UserAgentName is the User-Agent header value.
	UserAgentName string

	// TransactionTimeout bounds every client transaction. Collapses the
	// RFC 3261 B and F timers into one duration.
	TransactionTimeout time.Duration

	// EventBuffer sizes the Events channel. Overflow is dropped with a
	// warning, never blocking the routing path.
	EventBuffer int

	// SupportReplaces enables RFC 3891 Replaces resolution on inbound
	// INVITEs.
	SupportReplaces bool

	// AllowLegacyNotifications accepts out-of-dialog NOTIFY as an event
	// instead of answering 481.
	AllowLegacyNotifications bool

	// AllowOutOfDialogRefers accepts out-of-dialog REFER instead of
	// answering 405.
	AllowOutOfDialogRefers bool

	// PublicGRUU and TempGRUU, when assigned by the registrar, also count
	// as addresses this UA owns when routing inbound requests.
	PublicGRUU sip.Uri
	TempGRUU   sip.Uri
}

func (c *Config) setDefaults() {
	if c.ContactName == "" {
		c.ContactName = c.URI.User
	}
	if c.ViaHost == "" {
		c.ViaHost = c.URI.Host
	}
	if c.UserAgentName == "" {
		c.UserAgentName = "sipua"
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = 32 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}

func (c *Config) validate() error {
	if c.URI.Host == "" {
		return configErrorf("URI", "address of record required")
	}
	if c.URI.User == "" {
		return configErrorf("URI", "user part required")
	}
	if c.Register && c.Registrar.Host == "" {
		return configErrorf("Registrar", "required when Register is set")
	}
	if c.TransactionTimeout < 0 {
		return configErrorf("TransactionTimeout", "must be positive")
	}
	if c.EventBuffer < 0 {
		return configErrorf("EventBuffer", "must be positive")
	}
	return nil
}

// contactURI is the address advertised in Contact headers.
func (c *Config) contactURI() sip.Uri {
	if c.ContactURI.Host != "" {
		return c.ContactURI
	}
	uri := c.URI
	uri.User = c.ContactName
	return uri
}

// ownsURI reports whether a Request-URI addresses this UA: the configured
// identity, the contact name, or either GRUU.
func (c *Config) ownsURI(uri sip.Uri) bool {
	if uri.User == c.URI.User || uri.User == c.ContactName {
		return true
	}
	if c.PublicGRUU.Host != "" && uri.User == c.PublicGRUU.User && uri.Host == c.PublicGRUU.Host {
		return true
	}
	if c.TempGRUU.Host != "" && uri.User == c.TempGRUU.User && uri.Host == c.TempGRUU.Host {
		return true
	}
	return false
}
