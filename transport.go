// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"github.com/emiago/sipgo/sip"
)

// Transport is the wire layer contract. Socket handling, reconnection and
// framing live outside this module; the engine only connects, disconnects and
// exchanges parsed-or-serializable messages.
//
// AfterConnected runs fn once the transport reports connected, immediately
// when it already is. It is a deferred gate, not a blocking wait.
type Transport interface {
	Connect() error
	Disconnect() error
	Send(msg sip.Message) error
	AfterConnected(fn func())
	// Secure reports whether the transport can carry sips: targets.
	Secure() bool
	// Protocol is the Via transport token, e.g. "UDP", "TCP", "WS".
	Protocol() string
	// SetListener wires inbound traffic and state changes back into the
	// user agent. Called once during construction.
	SetListener(l TransportListener)
}

// TransportListener receives transport callbacks. The UserAgent implements it.
type TransportListener interface {
	OnConnected()
	OnMessage(raw []byte)
	OnTransportError(err error)
}

// Parser turns raw bytes into a structured message. A nil message with an
// error means malformed input, which the engine drops silently.
type Parser interface {
	Parse(raw []byte) (sip.Message, error)
}

// sipgoParser is the default Parser, backed by the sipgo grammar.
type sipgoParser struct{}

func (sipgoParser) Parse(raw []byte) (sip.Message, error) {
	return sip.ParseMessage(raw)
}

// SanityChecker gates all routing. A false result drops the message without
// any reply or notification.
type SanityChecker interface {
	Check(msg sip.Message) bool
}

// minimalSanity rejects messages missing the headers every routing decision
// depends on. Deeper RFC 3261 16.3 style checks belong to the collaborator
// replacing this.
type minimalSanity struct{}

func (minimalSanity) Check(msg sip.Message) bool {
	if callIDValue(msg) == "" || msg.CSeq() == nil {
		return false
	}
	if msg.From() == nil || msg.To() == nil {
		return false
	}
	if req, ok := msg.(*sip.Request); ok {
		// CSeq method must mirror the request method, CANCEL and ACK share
		// the number of the INVITE they refer to but keep their own method.
		if cseq := req.CSeq(); cseq.MethodName != req.Method {
			return false
		}
	}
	return true
}
