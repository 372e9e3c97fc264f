package cluster

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordReader(t *testing.T) {
	reader := newRecordReader(strings.NewReader("5\nhello2\n{}0\n"))
	record, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(record))
	record, err = reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(record))
	record, err = reader.Next()
	require.NoError(t, err)
	assert.Empty(t, record)
	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRecordReader_Errors(t *testing.T) {
	tests := map[string]string{
		"bad header":     "abc\nhello",
		"truncated":      "10\nshort",
		"missing header": "5",
		"negative size":  "-1\n",
	}
	for name, stream := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newRecordReader(strings.NewReader(stream)).Next()
			assert.Error(t, err)
			assert.NotEqual(t, io.EOF, err)
		})
	}
}
