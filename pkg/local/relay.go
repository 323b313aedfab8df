package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/streamlocal/pkg/core"
	"github.com/nemanja-m/streamlocal/pkg/recordio"
)

var errRelayKilled = errors.New("relay killed")

// Relay drains a worker's output stream independently of whoever feeds the
// worker's input, so neither side can stall the other on a full pipe.
//
// Decoded records pass through an in-memory FIFO bounded by capacity (0 means
// unbounded). While the FIFO is full the relay stops reading, which in turn
// blocks the worker once its kernel pipe buffer fills.
type Relay struct {
	reader   recordio.Reader
	closeSrc func() error
	capacity int

	out    chan core.Record
	done   chan struct{}
	err    error
	// decodeErr is set by read before it closes its channel, so buffered
	// records still reach the consumer ahead of the failure.
	decodeErr error
	cancel context.CancelFunc
	logger Logger
}

// StartRelay begins draining src. The relay owns src and closes it when it
// stops.
func StartRelay(ctx context.Context, src io.ReadCloser, format recordio.Format, capacity int, logger Logger) *Relay {
	ctx, cancel := context.WithCancel(ctx)
	r := &Relay{
		reader:   format.NewReader(src),
		closeSrc: sync.OnceValue(src.Close),
		capacity: capacity,
		out:      make(chan core.Record),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   orNop(logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	in := make(chan core.Record)
	g.Go(func() error {
		return r.read(gctx, in)
	})
	g.Go(func() error {
		return r.pump(gctx, in)
	})

	go func() {
		err := g.Wait()
		r.closeSrc()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = errRelayKilled
		}
		if err == nil {
			err = r.decodeErr
		}
		r.err = err
		r.cancel()
		close(r.out)
		close(r.done)
	}()

	return r
}

// Records is the control channel. It is closed once the relay stops; check
// Err to tell end-of-stream from death.
func (r *Relay) Records() <-chan core.Record {
	return r.out
}

func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Died reports whether the relay stopped before reaching end-of-stream.
func (r *Relay) Died() bool {
	return !r.Alive() && r.err != nil
}

// Err returns why the relay stopped early, or nil while it is running or
// after a clean end-of-stream.
func (r *Relay) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Kill stops the relay without waiting for end-of-stream. Closing the source
// unblocks a pending read.
func (r *Relay) Kill() {
	r.cancel()
	r.closeSrc()
}

// Join waits for the relay to stop and returns Err.
func (r *Relay) Join() error {
	<-r.done
	return r.err
}

func (r *Relay) read(ctx context.Context, in chan<- core.Record) error {
	for num := 0; ; num++ {
		record, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			close(in)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.decodeErr = fmt.Errorf("decode worker output record %d: %w", num, err)
			close(in)
			return nil
		}

		select {
		case in <- record:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump moves records from the reader into the FIFO and from the FIFO to the
// consumer. A new record is accepted only while the FIFO has room.
func (r *Relay) pump(ctx context.Context, in <-chan core.Record) error {
	var queue []core.Record
	for {
		accept := in
		if in == nil || (r.capacity > 0 && len(queue) >= r.capacity) {
			accept = nil
		}

		var send chan<- core.Record
		var next core.Record
		if len(queue) > 0 {
			send = r.out
			next = queue[0]
		} else if in == nil {
			return nil
		}

		select {
		case record, ok := <-accept:
			if !ok {
				in = nil
				r.logger.Debug("Worker output ended", "buffered", len(queue))
				continue
			}
			queue = append(queue, record)
		case send <- next:
			queue[0] = core.Record{}
			queue = queue[1:]
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
