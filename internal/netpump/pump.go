// Package netpump runs an engine.Conn over a net.Conn.
//
// The engine is owned by a single loop goroutine. Bytes read from the
// network are fed to it in order, output is queued to a writer goroutine
// and ticks are scheduled from the delay the engine asks for. Other
// goroutines reach the engine only through Pump.Do.
package netpump

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/acogoluegnes/qpid-protonj2/engine"
)

// ErrStopped is returned by Do once the pump has stopped.
var ErrStopped = errors.New("pump stopped")

const readBufferSize = 32 * 1024

// Handler receives engine events on the loop goroutine. It may call any
// method of c but must not call Pump.Do.
type Handler func(c *engine.Conn, ev engine.Event)

type call struct {
	fn     func(*engine.Conn) error
	result chan error
}

// Pump connects one engine to one network connection.
type Pump struct {
	nc      net.Conn
	conn    *engine.Conn
	log     logr.Logger
	handler Handler

	input   chan []byte
	readErr error // set before input is closed
	calls   chan call
	done    chan struct{}

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
}

// New creates the engine with opts and binds it to nc. The engine's
// output and event handler options are set by the pump.
func New(nc net.Conn, log logr.Logger, handler Handler, opts ...engine.ConnOption) (*Pump, error) {
	p := &Pump{
		nc:      nc,
		log:     log,
		handler: handler,
		input:   make(chan []byte, 16),
		calls:   make(chan call),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}

	all := append([]engine.ConnOption{engine.ConnLogger(log)}, opts...)
	all = append(all,
		engine.ConnOutput(p.enqueue),
		engine.ConnEventHandler(p.dispatch),
	)
	conn, err := engine.New(all...)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// Run pumps until the connection is closed on both sides, fails, or ctx
// is done. The network connection is closed when Run returns. A clean
// close returns nil.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(p.read)
	g.Go(p.write)
	g.Go(func() error { return p.loop(ctx) })
	return g.Wait()
}

// Do runs fn on the loop goroutine and returns its error.
func (p *Pump) Do(ctx context.Context, fn func(*engine.Conn) error) error {
	c := call{fn: fn, result: make(chan error, 1)}
	select {
	case p.calls <- c:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has stopped.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

func (p *Pump) dispatch(ev engine.Event) {
	p.log.V(2).Info("event", "event", ev)
	if p.handler != nil {
		p.handler(p.conn, ev)
	}
}

// enqueue hands output to the writer without blocking the loop.
func (p *Pump) enqueue(b []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pump) takePending() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.pending
	p.pending = nil
	return b
}

func (p *Pump) read() error {
	defer close(p.input)
	for {
		buf := make([]byte, readBufferSize)
		n, err := p.nc.Read(buf)
		if n > 0 {
			select {
			case p.input <- buf[:n]:
			case <-p.done:
				return nil
			}
		}
		if err != nil {
			p.readErr = err
			return nil
		}
	}
}

// write sends queued output. Once the loop stops it flushes what is left
// and closes the network connection.
func (p *Pump) write() error {
	defer p.nc.Close()

	flush := func() error {
		if b := p.takePending(); len(b) > 0 {
			if _, err := p.nc.Write(b); err != nil {
				return errors.Wrap(err, "write")
			}
		}
		return nil
	}

	for {
		select {
		case <-p.wake:
			if err := flush(); err != nil {
				return err
			}
		case <-p.done:
			return flush()
		}
	}
}

func (p *Pump) loop(ctx context.Context) error {
	defer close(p.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	var timerC <-chan time.Time
	last := time.Now()

	schedule := func() error {
		now := time.Now()
		d, err := p.conn.Tick(now.Sub(last))
		last = now
		if err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerC = nil
		if d > 0 {
			timer.Reset(d)
			timerC = timer.C
		}
		return nil
	}

	for {
		if err := schedule(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case b, ok := <-p.input:
			if !ok {
				if p.conn.State() == engine.ConnClosed {
					return nil
				}
				return errors.Wrap(p.readErr, "read")
			}
			if _, err := p.conn.Write(b); err != nil {
				return err
			}

		case c := <-p.calls:
			c.result <- c.fn(p.conn)

		case <-timerC:
		}

		if err := p.conn.Err(); err != nil {
			return err
		}
		if p.conn.State() == engine.ConnClosed {
			p.log.V(1).Info("connection closed")
			return nil
		}
	}
}
