package local

import (
	"io"
	"os"
	"sync"
)

// closeOnce closes a file at most once, however many exit paths reach it.
type closeOnce struct {
	file *os.File
	once sync.Once
	err  error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.err = c.file.Close()
	})
	return c.err
}

// pipeChannel is an owned OS pipe. Each end is closed exactly once.
type pipeChannel struct {
	r      *os.File
	w      *os.File
	closeR *closeOnce
	closeW *closeOnce
}

func newPipeChannel() (*pipeChannel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipeChannel{
		r:      r,
		w:      w,
		closeR: &closeOnce{file: r},
		closeW: &closeOnce{file: w},
	}, nil
}

// Reader hands out the read end with the same close-once guard.
func (p *pipeChannel) Reader() io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{p.r, p.closeR}
}

func (p *pipeChannel) CloseReader() error {
	return p.closeR.Close()
}

func (p *pipeChannel) CloseWriter() error {
	return p.closeW.Close()
}

func (p *pipeChannel) Close() {
	p.CloseReader()
	p.CloseWriter()
}
