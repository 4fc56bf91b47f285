package engine

import (
	"errors"
	"fmt"
)

// The engine's failure taxonomy. Configuration errors are fatal and never
// retried; execution errors are retried per the node's retry policy; lock
// conflicts surface as results; recovery errors mean the lease was revoked
// and the holder must abort.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrExecution     = errors.New("execution error")
	ErrLockConflict  = errors.New("lock conflict")
	ErrRecovery      = errors.New("lease revoked")
)

func configurationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func executionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExecution, fmt.Sprintf(format, args...))
}

// IsConfigurationError reports whether err is fatal, i.e. retrying cannot
// help (unknown executor, invalid cron, schema violation, bad template).
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

func IsLockConflict(err error) bool {
	return errors.Is(err, ErrLockConflict)
}

func IsRecoveryError(err error) bool {
	return errors.Is(err, ErrRecovery)
}
