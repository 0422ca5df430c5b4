// Package ingesterrors contains the tagged error types returned by the lower
// layers of the sync pipeline. The coordinator dispatches its recovery policy
// on these types rather than inspecting error strings: fetch errors abort the
// run, store errors ledger the whole batch, publish errors ledger the failed
// items.
package ingesterrors

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrFetchFailed indicates the upstream API was unavailable or returned a
// partial response. Nothing has been attempted downstream, so there is
// nothing to ledger; the next scheduled run simply tries again.
type ErrFetchFailed struct {
	Message string
}

func (err *ErrFetchFailed) Error() string {
	return fmt.Sprintf("upstream fetch failed: %s", err.Message)
}

// ErrStoreFailed indicates a batch-level database failure after validation
// passed. The entire attempted batch should be persisted to the ledger.
type ErrStoreFailed struct {
	Reason string
	Cause  error
}

func (err *ErrStoreFailed) Error() string {
	return fmt.Sprintf("store failed: %s: %v", err.Reason, err.Cause)
}

func (err *ErrStoreFailed) Unwrap() error {
	return err.Cause
}

// ErrPublishFailed indicates a single flash could not be delivered to a
// downstream consumer. Failed flashes are collected and ledgered as a batch.
type ErrPublishFailed struct {
	FlashID int64
	Cause   error
}

func (err *ErrPublishFailed) Error() string {
	return fmt.Sprintf("publish failed for flash %d: %v", err.FlashID, err.Cause)
}

func (err *ErrPublishFailed) Unwrap() error {
	return err.Cause
}

// ErrMaxRetriesExceeded is returned (or panicked, for statements we cannot
// safely give up on) when a retryable operation has exhausted its attempts.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("%s: %v", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// IsNetworkError returns true if the given error is a transient network-level
// failure that may succeed on retry.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsRetryablePostgresError returns true for postgres errors that indicate a
// transient condition (connection loss, admin shutdown, serialization
// conflicts) rather than a problem with the statement or the data.
func IsRetryablePostgresError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.CannotConnectNow,
		pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.TooManyConnections:
		return true
	}
	return pgerrcode.IsConnectionException(pgErr.Code)
}
