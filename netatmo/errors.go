package netatmo

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSeparator is returned by BuildURLQuery when the pair separator
// would collide with the key/value delimiter or with whitespace.
var ErrInvalidSeparator = errors.New("netatmo: query separator must not be '=' or ' '")

// Credential names a session field that login or refresh requires
type Credential string

const (
	CredentialUsername     Credential = "username"
	CredentialPassword     Credential = "password"
	CredentialClientID     Credential = "client id"
	CredentialClientSecret Credential = "client secret"
	CredentialRefreshToken Credential = "refresh token"
)

// MissingCredentialError is returned before any network call when a required
// credential is empty.
type MissingCredentialError struct {
	Credential Credential
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("netatmo: %s not set", e.Credential)
}

// TransportError reports a failed HTTP exchange. StatusCode is zero when the
// request never produced a response.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netatmo: transport failure: %v", e.Err)
	}
	return fmt.Sprintf("netatmo: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is returned when the response carries an error object
type APIError struct {
	Code       int
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("netatmo: api error %d: %s", e.Code, e.Message)
}

// OAuthError is returned when the response carries a bare error string, as the
// token endpoint does (for example "invalid_grant").
type OAuthError struct {
	Reason     string
	StatusCode int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("netatmo: oauth error: %s", e.Reason)
}

// UnsupportedModuleTypeError aborts a parse that meets an unknown type code
type UnsupportedModuleTypeError struct {
	Type ModuleType
}

func (e *UnsupportedModuleTypeError) Error() string {
	return fmt.Sprintf("netatmo: unsupported module type %q", e.Type)
}

// MeasureMismatchError is returned when a measurement row does not carry one
// value per requested type.
type MeasureMismatchError struct {
	Timestamp time.Time
	Types     int
	Values    int
}

func (e *MeasureMismatchError) Error() string {
	return fmt.Sprintf("netatmo: measure row at %s has %d values for %d types",
		e.Timestamp.Format(time.RFC3339), e.Values, e.Types)
}
