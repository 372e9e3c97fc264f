package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestWithStacktrace(t *testing.T) {
	tests := map[string]struct {
		err       error
		withStack bool
	}{
		"plain error": {
			err:       fmt.Errorf("plain"),
			withStack: false,
		},
		"pkg/errors error": {
			err:       errors.New("with stack"),
			withStack: true,
		},
		"wrapped plain error": {
			err:       errors.WithMessage(fmt.Errorf("plain"), "context"),
			withStack: false,
		},
		"wrapped stack error": {
			err:       errors.WithMessage(errors.New("with stack"), "context"),
			withStack: true,
		},
		"fmt wrapped stack error": {
			err:       fmt.Errorf("context: %w", errors.New("with stack")),
			withStack: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			entry := WithStacktrace(NullEntry(), tc.err)
			assert.Equal(t, tc.err, entry.Data["error"])
			_, ok := entry.Data[Stacktrace]
			assert.Equal(t, tc.withStack, ok)
		})
	}
}

func TestCommandLineFormatter_NullEntry(t *testing.T) {
	entry := NullEntry()
	entry.Message = "hello"
	out, err := (&CommandLineFormatter{}).Format(entry)
	assert.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}
