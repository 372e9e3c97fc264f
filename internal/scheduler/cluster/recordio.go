package cluster

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const maxRecordSize = 64 << 20

// recordReader splits a RecordIO stream: each record is its decimal length, a newline, then the record bytes.
type recordReader struct {
	r *bufio.Reader
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream.
func (rr *recordReader) Next() ([]byte, error) {
	header, err := rr.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && header == "" {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading record header")
	}
	size, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid record header %q", header)
	}
	if size < 0 || size > maxRecordSize {
		return nil, errors.Errorf("record size %d out of range", size)
	}
	record := make([]byte, size)
	if _, err := io.ReadFull(rr.r, record); err != nil {
		return nil, errors.Wrap(err, "reading record")
	}
	return record, nil
}
