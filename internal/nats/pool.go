package nats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ierr "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Options configures a Pool.
type Options struct {
	// URL of an external NATS server. Empty starts an embedded server
	// under DataDir/nats owned by the pool.
	URL     string
	DataDir string
	// Size caps the number of open connections.
	Size int
}

// Pool is a bounded set of NATS connections shared by the checkpoint and
// memory stores. Connections are dialed lazily, so an idle pool holds none.
type Pool struct {
	ns      *server.Server
	connect func() (*nats.Conn, error)

	slots chan struct{}

	mu     sync.Mutex
	idle   []*nats.Conn
	open   int
	closed bool
}

// Open prepares a pool. With an empty URL it starts the embedded server.
func Open(opts Options) (*Pool, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", opts.Size)
	}

	p := &Pool{slots: make(chan struct{}, opts.Size)}

	if opts.URL != "" {
		url := opts.URL
		p.connect = func() (*nats.Conn, error) { return connectURL(url) }
		logger.Info("Using external NATS server at %s", url)
		return p, nil
	}

	dir := filepath.Join(opts.DataDir, "nats")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating NATS data directory: %w", err)
	}
	ns, err := StartEmbeddedNATS(dir)
	if err != nil {
		return nil, err
	}
	p.ns = ns
	p.connect = func() (*nats.Conn, error) { return connectInProcess(ns) }
	return p, nil
}

// Acquire returns a connection, dialing one if none is idle. It blocks
// while Size connections are checked out, until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*nats.Conn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		nc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if nc.IsConnected() {
			p.mu.Unlock()
			return nc, nil
		}
		p.open--
		nc.Close()
	}
	p.open++
	p.mu.Unlock()

	nc, err := p.connect()
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		<-p.slots
		return nil, err
	}
	return nc, nil
}

// Release returns nc to the pool. Connections released after Close are
// closed instead.
func (p *Pool) Release(nc *nats.Conn) {
	if nc == nil {
		return
	}
	p.mu.Lock()
	if p.closed || nc.IsClosed() {
		p.open--
		p.mu.Unlock()
		nc.Close()
	} else {
		p.idle = append(p.idle, nc)
		p.mu.Unlock()
	}
	<-p.slots
}

// Do runs fn with a JetStream context on a pooled connection.
func (p *Pool) Do(ctx context.Context, fn func(jetstream.JetStream) error) error {
	nc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(nc)

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("creating jetstream context: %w", err)
	}
	return fn(js)
}

// Stats reports open and idle connection counts.
func (p *Pool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

// Close drains idle connections and stops the embedded server. It returns
// ctx's error if shutdown does not finish in time. Closing a nil or
// already closed pool is a no-op.
func (p *Pool) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		for _, nc := range idle {
			drain(nc)
		}
		var errs ierr.MultiError
		if p.ns != nil {
			errs.Append(shutdownServer(ctx, p.ns))
		}
		done <- errs.ErrorOrNil()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("closing connection pool: %w", ctx.Err())
	}
}
