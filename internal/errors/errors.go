package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfiguration   = sterrors.New("bullfinch: invalid configuration")
	ErrConnectivity    = sterrors.New("bullfinch: broker unreachable")
	ErrFatal           = sterrors.New("bullfinch: fatal processing error")
	ErrLoggerRequired  = sterrors.New("bullfinch: logger is required")
	ErrSourceRequired  = sterrors.New("bullfinch: configuration source is required")
	ErrRegistryMissing = sterrors.New("bullfinch: handler registry is required")
)

// ConfigurationError reports a configuration document that cannot be turned
// into a fleet. It matches ErrConfiguration with errors.Is.
type ConfigurationError struct {
	Err error
}

func (e ConfigurationError) Error() string {
	if e.Err == nil {
		return ErrConfiguration.Error()
	}
	return ErrConfiguration.Error() + ": " + e.Err.Error()
}

func (e ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

// NewConfigurationError wraps err, returning nil when err is nil.
func NewConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	var existing ConfigurationError
	if sterrors.As(err, &existing) {
		return err
	}
	return ConfigurationError{Err: err}
}

// Configurationf is a shorthand for NewConfigurationError(fmt.Errorf(...)).
func Configurationf(format string, args ...any) error {
	return ConfigurationError{Err: fmt.Errorf(format, args...)}
}

// ConnectivityError reports a broker connection that could not be
// established while building a fleet.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnectivity.Error(), e.Endpoint, e.Err)
}

func (e ConnectivityError) Unwrap() []error {
	return []error{ErrConnectivity, e.Err}
}

// Fatalf builds an error that terminates the Minion that returns it.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}
