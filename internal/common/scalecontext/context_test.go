package scalecontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, context.Background(), ctx.Context)
	require.NotNil(t, ctx.Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	assert.Equal(t, context.Background(), ctx.Context)
	assert.Equal(t, "chips", ctx.Log.Data["fish"])
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	assert.Equal(t, "chips", ctx.Log.Data["fish"])
	assert.Equal(t, "pepper", ctx.Log.Data["salt"])
}

func TestWithServiceAndExecution(t *testing.T) {
	ctx := WithExecution(WithService(Background(), "Launcher"), 7, "01H8X")
	assert.Equal(t, "Launcher", ctx.Log.Data[FieldService])
	assert.Equal(t, int64(7), ctx.Log.Data[FieldJobID])
	assert.Equal(t, "01H8X", ctx.Log.Data[FieldExecutionID])
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := ctx.Deadline()
	require.True(t, ok)
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestWithCancel(t *testing.T) {
	parent := WithLogField(Background(), "service", "test")
	ctx, cancel := WithCancel(parent)
	cancel()
	<-ctx.Done()
	assert.Equal(t, parent.Log, ctx.Log)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	g.Go(func() error {
		return context.Canceled
	})
	err := g.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	<-ctx.Done()
}
