// SPDX-License-Identifier: MPL-2.0

package sipua

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when a send is attempted after the
	// transport has been disconnected.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUserAgentClosed is returned for operations on a stopped user agent.
	ErrUserAgentClosed = errors.New("user agent closed")
)

// ConfigError reports an invalid or missing configuration field. It is
// returned eagerly from NewUserAgent, never later.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// DuplicateTransactionError reports two transactions racing for the same
// registry slot. The existing entry is never overwritten.
type DuplicateTransactionError struct {
	Kind TxKind
	ID   string
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s/%s already registered", e.Kind, e.ID)
}
