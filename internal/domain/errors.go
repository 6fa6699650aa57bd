package domain

import (
	"errors"
	"fmt"
)

// ConfigInvalid rejects a structural problem in an asset configuration
// document. Path points at the offending node using dotted/indexed form,
// e.g. "lending_configs[1].comet". Never retried.
type ConfigInvalid struct {
	Path   string
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid at %s: %s", e.Path, e.Reason)
}

// NewConfigInvalid builds a ConfigInvalid for the given path.
func NewConfigInvalid(path, format string, args ...interface{}) *ConfigInvalid {
	return &ConfigInvalid{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// FetchError classifies an upstream failure inside a single fetch unit.
// Retriable failures (timeouts, 5xx, RPC rate limits) may be re-run by the
// dispatcher; terminal ones (4xx, schema mismatch) are recorded and skipped.
type FetchError struct {
	Kind      FetcherKind
	Retriable bool
	Cause     error
}

func (e *FetchError) Error() string {
	mode := "terminal"
	if e.Retriable {
		mode = "retriable"
	}
	return fmt.Sprintf("fetch %s failed (%s): %v", e.Kind, mode, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// NewFetchError wraps cause as a fetch failure for the given kind.
func NewFetchError(kind FetcherKind, retriable bool, cause error) *FetchError {
	return &FetchError{Kind: kind, Retriable: retriable, Cause: cause}
}

// StorageUnavailable surfaces a backing-store outage from a persistence
// operation. A tick that hits one aborts its remaining writes; the fetch
// work itself is not retried.
type StorageUnavailable struct {
	Op    string
	Cause error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Cause)
}

func (e *StorageUnavailable) Unwrap() error { return e.Cause }

// ThresholdEvaluationError reports a rule that could not be evaluated
// against a sample. Logged only; never blocks the sample write.
type ThresholdEvaluationError struct {
	Asset  string
	Metric string
	Cause  error
}

func (e *ThresholdEvaluationError) Error() string {
	return fmt.Sprintf("threshold evaluation failed for %s/%s: %v", e.Asset, e.Metric, e.Cause)
}

func (e *ThresholdEvaluationError) Unwrap() error { return e.Cause }

// NotificationTransportError reports a delivery failure. Retriable variants
// keep the alert pending for the next notifier tick; terminal ones mark it
// permanently failed.
type NotificationTransportError struct {
	Channel   string
	Retriable bool
	Cause     error
}

func (e *NotificationTransportError) Error() string {
	mode := "terminal"
	if e.Retriable {
		mode = "retriable"
	}
	return fmt.Sprintf("notification via %s failed (%s): %v", e.Channel, mode, e.Cause)
}

func (e *NotificationTransportError) Unwrap() error { return e.Cause }

// ScoringInputMissing marks a required metric absent from the snapshot
// while scoring an asset. The engine omits the sub-score and redistributes
// its weight within the category.
type ScoringInputMissing struct {
	Asset  string
	Metric string
}

func (e *ScoringInputMissing) Error() string {
	return fmt.Sprintf("scoring input missing for %s: %s", e.Asset, e.Metric)
}

// IsRetriable reports whether err carries a retriable classification from
// the fetch or notification taxonomy. Unknown errors are not retriable.
func IsRetriable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retriable
	}
	var ne *NotificationTransportError
	if errors.As(err, &ne) {
		return ne.Retriable
	}
	return false
}
