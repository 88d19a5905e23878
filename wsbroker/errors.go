package wsbroker

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by the broker.
var (
	// Configuration errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrUnknownOption   = errors.New("unknown option")

	// Token errors
	ErrDuplicateToken = errors.New("token already exists")
	ErrUnknownToken   = errors.New("unknown token")
	ErrPoolExhausted  = errors.New("port pool exhausted")

	// Link errors
	ErrConnect        = errors.New("connect failed")
	ErrConnectTimeout = errors.New("connect timeout")
	ErrChannelTimeout = errors.New("channel idle timeout")
	ErrAuthFailed     = errors.New("authentication failed")

	// Lifecycle errors
	ErrCancelled = errors.New("cancelled")
	ErrClosed    = errors.New("broker closed")
)

// ConfigError reports the first offending configuration field.
type ConfigError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is makes every ConfigError match ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// BrokerError carries the failed operation alongside an error category.
type BrokerError struct {
	Op   string // Operation that failed
	Kind error  // Category, one of the sentinel errors
	Err  error  // Underlying error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

func (e *BrokerError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func newBrokerError(op string, kind error, err error) *BrokerError {
	return &BrokerError{Op: op, Kind: kind, Err: err}
}

// IsCancelled reports whether err is the result of a cooperative shutdown.
// Such errors are expected and must not be logged above debug level.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed)
}

// classifyDialError maps a dial failure onto the connect error taxonomy.
func classifyDialError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnect), errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return newBrokerError(op, ErrConnectTimeout, err)
	case errors.Is(err, context.Canceled):
		return newBrokerError(op, ErrCancelled, err)
	default:
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			return newBrokerError(op, ErrConnectTimeout, err)
		}
		return newBrokerError(op, ErrConnect, err)
	}
}
