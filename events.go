// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"github.com/emiago/sipgo/sip"
)

// Event is the closed set of notifications a UserAgent publishes on its
// Events channel. Delivery is FIFO per user agent instance with a single
// consumer expected. The routing path never blocks on the channel: when the
// buffer is full the event is dropped with a warning log. Shutdown draining
// does not depend on this channel.
type Event interface {
	isEvent()
}

// InviteEvent signals a new inbound session. No response has been sent yet:
// the application answers or rejects through the Session.
type InviteEvent struct {
	Session *Session
}

// InviteSentEvent signals that an outbound INVITE left the transport.
type InviteSentEvent struct {
	Session *Session
}

// MessageEvent carries an out-of-dialog MESSAGE. A 200 has already been sent.
type MessageEvent struct {
	Request     *sip.Request
	Body        []byte
	ContentType string
}

// NotifyEvent carries a legacy out-of-dialog NOTIFY, published only when
// AllowLegacyNotifications is enabled.
type NotifyEvent struct {
	Request *sip.Request
}

// OutOfDialogReferEvent carries an out-of-dialog REFER for the application to
// decide on, published only when AllowOutOfDialogRefers is enabled and an
// application handler is configured.
type OutOfDialogReferEvent struct {
	Refer *InboundRefer
}

type RegisteredEvent struct {
	Response *sip.Response
}

type UnregisteredEvent struct {
	Response *sip.Response
}

type RegistrationFailedEvent struct {
	Response *sip.Response
	Err      error
}

// TransportCreatedEvent fires once when Start wires the transport.
type TransportCreatedEvent struct {
	Transport Transport
}

// TransportErrorEvent mirrors the NOT_READY status transition.
type TransportErrorEvent struct {
	Err error
}

// NewTransactionEvent fires on every transaction registration.
type NewTransactionEvent struct {
	Transaction Transaction
}

// TransactionDestroyedEvent fires on every transaction removal, without
// exception. The shutdown drain protocol counts on it.
type TransactionDestroyedEvent struct {
	Transaction Transaction
}

func (InviteEvent) isEvent()               {}
func (InviteSentEvent) isEvent()           {}
func (MessageEvent) isEvent()              {}
func (NotifyEvent) isEvent()               {}
func (OutOfDialogReferEvent) isEvent()     {}
func (RegisteredEvent) isEvent()           {}
func (UnregisteredEvent) isEvent()         {}
func (RegistrationFailedEvent) isEvent()   {}
func (TransportCreatedEvent) isEvent()     {}
func (TransportErrorEvent) isEvent()       {}
func (NewTransactionEvent) isEvent()       {}
func (TransactionDestroyedEvent) isEvent() {}

func (ua *UserAgent) emit(ev Event) {
	select {
	case ua.events <- ev:
	default:
		ua.log.Warn().Str("event", eventName(ev)).Msg("Event buffer full, dropping")
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case InviteEvent:
		return "invite"
	case InviteSentEvent:
		return "inviteSent"
	case MessageEvent:
		return "message"
	case NotifyEvent:
		return "notify"
	case OutOfDialogReferEvent:
		return "outOfDialogReferRequested"
	case RegisteredEvent:
		return "registered"
	case UnregisteredEvent:
		return "unregistered"
	case RegistrationFailedEvent:
		return "registrationFailed"
	case TransportCreatedEvent:
		return "transportCreated"
	case TransportErrorEvent:
		return "transportError"
	case NewTransactionEvent:
		return "newTransaction"
	case TransactionDestroyedEvent:
		return "transactionDestroyed"
	}
	return "unknown"
}
