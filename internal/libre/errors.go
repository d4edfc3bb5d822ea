package libre

import (
	"errors"
	"fmt"
)

// ErrNoConnections is returned when the account follows no patients.
var ErrNoConnections = errors.New("account does not follow any patients")

// ErrNoData is returned when the vendor response carries no current
// glucose measurement.
var ErrNoData = errors.New("no glucose measurement data available")

// AuthError is a terminal authentication failure: bad credentials, a pending
// verification step, or a failed regional redirect. It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// ConnectionNotFoundError is returned when a configured patient name matches
// none of the account's connections.
type ConnectionNotFoundError struct {
	Name string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("unable to identify connection by given name %q", e.Name)
}

// FetchError is a vendor HTTP failure that survived the retry policy.
type FetchError struct {
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("request failed with status code %d", e.StatusCode)
}

// ParseError is returned when a raw timestamp matches no supported format.
type ParseError struct {
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized timestamp format: %q", e.Value)
}
