// Package scalecontext carries a logger alongside a context.Context so every scheduler goroutine logs with the
// fields of the service, job or message it is working on.
package scalecontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Log fields shared by the scheduler services.
const (
	FieldService     = "service"
	FieldJobID       = "jobId"
	FieldExecutionID = "exeId"
)

// Context is a context.Context with the logger of the goroutine holding it.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background is context.Background() logging to the standard logger.
func Background() *Context {
	return &Context{
		Context: context.Background(),
		Log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return &Context{
		Context: c,
		Log:     parent.Log,
	}, cancel
}

func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return &Context{
		Context: c,
		Log:     parent.Log,
	}, cancel
}

// WithLogField returns a copy of parent whose logger carries key=val.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return &Context{
		Context: parent.Context,
		Log:     parent.Log.WithField(key, val),
	}
}

func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{
		Context: parent.Context,
		Log:     parent.Log.WithFields(fields),
	}
}

// WithService tags the logger with the long-running scheduler service (Matcher, Launcher, MessageBus, ...) that
// owns the goroutine.
func WithService(parent *Context, service string) *Context {
	return WithLogField(parent, FieldService, service)
}

// WithExecution tags the logger with a job and the execution of it being worked on.
func WithExecution(parent *Context, jobID int64, exeID string) *Context {
	return WithLogFields(parent, logrus.Fields{FieldJobID: jobID, FieldExecutionID: exeID})
}

// ErrGroup is errgroup.WithContext for a Context. The derived context keeps parent's logger.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, &Context{
		Context: goctx,
		Log:     ctx.Log,
	}
}
