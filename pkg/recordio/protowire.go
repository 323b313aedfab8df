package recordio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// Each frame is a varint length followed by a protobuf message:
//
//	message Record {
//	  bytes key = 1;
//	  bytes value = 2;
//	}
const (
	keyField   protowire.Number = 1
	valueField protowire.Number = 2

	maxFrameSize = 64 * 1024 * 1024
)

type protowireReader struct {
	r   *bufio.Reader
	buf []byte
}

func newProtowireReader(r io.Reader) *protowireReader {
	return &protowireReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (p *protowireReader) Read() (core.Record, error) {
	size, err := binary.ReadUvarint(p.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return core.Record{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return core.Record{}, fmt.Errorf("%w: truncated frame header", ErrCorruptRecord)
		}
		return core.Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if size > maxFrameSize {
		return core.Record{}, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrCorruptRecord, size)
	}

	if cap(p.buf) < int(size) {
		p.buf = make([]byte, size)
	}
	frame := p.buf[:size]
	if _, err := io.ReadFull(p.r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return core.Record{}, fmt.Errorf("%w: truncated frame body", ErrCorruptRecord)
		}
		return core.Record{}, err
	}

	return decodeFrame(frame)
}

func decodeFrame(frame []byte) (core.Record, error) {
	record := core.Record{Key: []byte{}, Value: []byte{}}
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return core.Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		frame = frame[n:]

		if typ == protowire.BytesType && (num == keyField || num == valueField) {
			value, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return core.Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
			}
			if num == keyField {
				record.Key = append([]byte{}, value...)
			} else {
				record.Value = append([]byte{}, value...)
			}
			frame = frame[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, frame)
		if n < 0 {
			return core.Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		frame = frame[n:]
	}
	return record, nil
}

type protowireWriter struct {
	w     *bufio.Writer
	frame []byte
	head  []byte
}

func newProtowireWriter(w io.Writer) *protowireWriter {
	return &protowireWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

func (p *protowireWriter) Write(record core.Record) error {
	p.frame = protowire.AppendTag(p.frame[:0], keyField, protowire.BytesType)
	p.frame = protowire.AppendBytes(p.frame, record.Key)
	p.frame = protowire.AppendTag(p.frame, valueField, protowire.BytesType)
	p.frame = protowire.AppendBytes(p.frame, record.Value)

	p.head = protowire.AppendVarint(p.head[:0], uint64(len(p.frame)))
	if _, err := p.w.Write(p.head); err != nil {
		return err
	}
	_, err := p.w.Write(p.frame)
	return err
}

func (p *protowireWriter) Flush() error {
	return p.w.Flush()
}
