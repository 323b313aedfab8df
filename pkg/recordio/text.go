package recordio

import (
	"bufio"
	"bytes"
	"io"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// textReader reads key<TAB>value lines. A line without a tab is a key with an
// empty value.
type textReader struct {
	scanner *bufio.Scanner
}

func newTextReader(r io.Reader, bufferSize ...int) *textReader {
	if len(bufferSize) == 0 {
		bufferSize = []int{DefaultBufferSize}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, bufferSize[0])), bufferSize[0])
	return &textReader{scanner: scanner}
}

func (t *textReader) Read() (core.Record, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return core.Record{}, err
		}
		return core.Record{}, io.EOF
	}

	line := bytes.TrimSuffix(t.scanner.Bytes(), []byte{'\r'})
	key, value, _ := bytes.Cut(line, []byte{'\t'})
	return core.Record{
		Key:   append([]byte{}, key...),
		Value: append([]byte{}, value...),
	}, nil
}

type textWriter struct {
	w *bufio.Writer
}

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: bufio.NewWriter(w)}
}

func (t *textWriter) Write(record core.Record) error {
	if _, err := t.w.Write(record.Key); err != nil {
		return err
	}
	if err := t.w.WriteByte('\t'); err != nil {
		return err
	}
	if _, err := t.w.Write(record.Value); err != nil {
		return err
	}
	return t.w.WriteByte('\n')
}

func (t *textWriter) Flush() error {
	return t.w.Flush()
}
