package dberrors

import (
	"errors"
	"syscall"
)

// ErrorCategory represents the category of an error for retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // temporary - retry with backoff
	ErrorPermanent                       // permanent - no retry
	ErrorCritical                        // system-level - surface immediately
	ErrorValidation                      // data/format errors - no retry
	ErrorNetwork                         // unused at the core layer, kept for classifier symmetry
)

// Classifier categorizes errors for retry logic. Grounded on the same
// syscall.Errno-first, sentinel-second dispatch used throughout this engine.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.ETIMEDOUT, syscall.EBUSY:
			return ErrorTransient
		case syscall.ENOENT, syscall.EINVAL, syscall.EEXIST:
			return ErrorPermanent
		case syscall.EIO, syscall.ENOSPC:
			return ErrorCritical
		}
	}

	switch {
	case errors.Is(err, ErrCorruptPage), errors.Is(err, ErrCorruptWalRecord),
		errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrInvalidSnapshotMagic):
		return ErrorValidation
	case errors.Is(err, ErrCorruptManifest):
		return ErrorCritical
	case errors.Is(err, ErrNoSuchCollection), errors.Is(err, ErrNoSuchDocument),
		errors.Is(err, ErrCollectionExists), errors.Is(err, ErrCapacityExceeded):
		return ErrorPermanent
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrTimeout):
		return ErrorPermanent
	}

	// Unrecognized os/file errors during rename/fsync contention (the Windows
	// rename-under-AV-lock case the spec calls out) default to transient so
	// the retry controller gets a chance before surfacing.
	return ErrorTransient
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient || category == ErrorNetwork
}

// IsCritical returns true if the error requires immediate attention.
func (c *Classifier) IsCritical(category ErrorCategory) bool {
	return category == ErrorCritical
}
