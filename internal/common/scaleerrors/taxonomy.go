package scaleerrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a failure by how the scheduler reacts to it.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindTransientCluster covers launch-ack timeouts and rescinded offers. Retried with backoff.
	KindTransientCluster
	// KindTransientDownstream covers an unavailable message backend. The message is nacked.
	KindTransientDownstream
	// KindData covers invalid job input or a missing workspace. The execution fails and is not retried.
	KindData
	// KindSystem covers an unreachable database or a lost coordination service. Leadership is relinquished.
	KindSystem
	// KindLogic covers a broken invariant. The current pass is aborted and the job is left alone.
	KindLogic
)

func (k Kind) String() string {
	switch k {
	case KindTransientCluster:
		return "transient-cluster"
	case KindTransientDownstream:
		return "transient-downstream"
	case KindData:
		return "data"
	case KindSystem:
		return "system"
	case KindLogic:
		return "logic"
	default:
		return "unknown"
	}
}

// Stable error names. Downstream retries branch on these so they must never change.
const (
	NameUnknown          = "unknown"
	NameDatabase         = "database"
	NameNfs              = "nfs"
	NameMesosLost        = "mesos-lost"
	NameLaunchFailed     = "launch-failed"
	NameWorkspaceMissing = "workspace-missing"
	NameUnschedulable    = "unschedulable"
	NameCleanupFailed    = "cleanup-failed"
	NameTaskFailed       = "task-failed"
	NameCanceled         = "canceled"
	NamePullTimeout      = "pull-timeout"
	NamePreTimeout       = "pre-timeout"
	NameMainTimeout      = "main-timeout"
	NamePostTimeout      = "post-timeout"
	NameSystemTimeout    = "system-timeout"
	NameIngestTimeout    = "ingest-timeout"
	NameInvalidInput     = "invalid-input"
)

var retryableNames = map[string]bool{
	NamePullTimeout:   true,
	NamePreTimeout:    true,
	NameMainTimeout:   true,
	NamePostTimeout:   true,
	NameSystemTimeout: true,
	NameIngestTimeout: true,
}

// Failures of the scheduler or its infrastructure rather than of the job itself.
var systemNames = map[string]bool{
	NameUnknown:      true,
	NameDatabase:     true,
	NameNfs:          true,
	NameMesosLost:    true,
	NameLaunchFailed: true,
}

// IsRetryableName reports whether an execution that failed with the given name is retried automatically.
func IsRetryableName(name string) bool {
	return retryableNames[name]
}

// ShouldRetry reports whether a job whose execution failed with name may be queued again, budget permitting.
// Timeouts and system failures are retried; failures of the job itself and data errors are not.
func ShouldRetry(name string) bool {
	return IsRetryableName(name) || systemNames[name]
}

// TimeoutName returns the error name for a task of the given type exceeding its timeout.
func TimeoutName(taskType string) string {
	return strings.ToLower(taskType) + "-timeout"
}

// Error is a classified scheduler error.
type Error struct {
	Kind Kind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error %s", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s error %s: %s", e.Kind, e.Name, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Cause() error {
	return e.Err
}

// New returns a classified error wrapping err. A stack is attached to err if it has none.
func New(kind Kind, name string, err error) error {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &Error{Kind: kind, Name: name, Err: err}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, name string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Name: name, Err: errors.Errorf(format, args...)}
}

// System is shorthand for a KindSystem error.
func System(name string, err error) error {
	return New(KindSystem, name, err)
}

// KindOf returns the kind of the outermost classified error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NameOf returns the stable name of the outermost classified error in the chain, or "unknown".
func NameOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Name != "" {
		return e.Name
	}
	return NameUnknown
}

// IsSystem reports whether err must escape the scheduler threads.
func IsSystem(err error) bool {
	return KindOf(err) == KindSystem
}
