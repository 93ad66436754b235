// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Sentinel errors for common conditions.
var (
	ErrStreamAlreadyClosed = errors.New("stream already closed")
	ErrMissingIndicators   = errors.New("end of message requires first line and headers lengths")
	ErrCapacityTooSmall    = errors.New("buffer capacity too small for connection header and one data byte")
	ErrBufferHandedOff     = errors.New("buffer already handed off")
	ErrSpaceAccounting     = errors.New("write exceeds computed buffer space")
	ErrUnknownOffset       = errors.New("offset not tracked")
	ErrConsumerClosed      = errors.New("consumer is closed")
	ErrNoSession           = errors.New("no active consumer group session")
	ErrWriterClosed        = errors.New("storage writer is closed")
	ErrInvalidRecord       = errors.New("invalid traffic record")
	ErrBufferFull          = errors.New("buffer is full")
	ErrCorruptRecord       = errors.New("corrupt length-delimited record")
)

// DecodeError represents a log record whose value is not a traffic record.
type DecodeError struct {
	Partition traffic.TopicPartition
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: partition=%s offset=%d: %v",
		e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ValidationError represents a structurally invalid traffic record.
type ValidationError struct {
	ConnectionID string
	Field        string
	Reason       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: connection_id=%s field=%s: %s",
		e.ConnectionID, e.Field, e.Reason)
}

// Unwrap lets callers match any validation failure with ErrInvalidRecord.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRecord
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CommitError represents an offset commit failure.
type CommitError struct {
	Partition traffic.TopicPartition
	Offset    int64
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit error: partition=%s offset=%d: %v",
		e.Partition, e.Offset, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface,
// then falls back to checking specific error types and sentinel errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if errors.Is(err, ErrNoSession) {
		return true
	}

	return false
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "create"
}

// IsRetryable reports true: a failed commit is redone after the next rebalance.
func (e *CommitError) IsRetryable() bool {
	return true
}
