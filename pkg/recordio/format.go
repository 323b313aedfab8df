package recordio

import (
	"errors"
	"fmt"
	"io"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// Format selects the wire encoding of a record stream.
type Format string

const (
	FormatText      Format = "text"
	FormatProtowire Format = "protowire"
)

// DefaultBufferSize caps a single text line and sizes the stream buffers.
const DefaultBufferSize = 1024 * 1024 // 1MB

// ErrCorruptRecord is returned by readers when the stream cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// Reader decodes records from a byte stream. Read returns io.EOF once the
// stream ends cleanly on a record boundary.
type Reader interface {
	Read() (core.Record, error)
}

// Writer encodes records onto a byte stream.
type Writer interface {
	Write(record core.Record) error
	Flush() error
}

func ParseFormat(name string) (Format, error) {
	switch f := Format(name); f {
	case FormatText, FormatProtowire:
		return f, nil
	}
	return "", fmt.Errorf("unknown record format: %q", name)
}

func (f Format) NewReader(r io.Reader) Reader {
	if f == FormatProtowire {
		return newProtowireReader(r)
	}
	return newTextReader(r)
}

func (f Format) NewWriter(w io.Writer) Writer {
	if f == FormatProtowire {
		return newProtowireWriter(w)
	}
	return newTextWriter(w)
}

// FlushingWriter flushes after every record so the peer process sees each one
// as soon as it is written.
type FlushingWriter struct {
	Writer
}

func (w FlushingWriter) Write(record core.Record) error {
	if err := w.Writer.Write(record); err != nil {
		return err
	}
	return w.Writer.Flush()
}
