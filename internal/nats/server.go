package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	readyTimeout = 4 * time.Second
	drainTimeout = 2 * time.Second
)

// StartEmbeddedNATS starts an in-process NATS server with JetStream file
// storage under dataDir. The server opens no network ports.
func StartEmbeddedNATS(dataDir string) (*server.Server, error) {
	logger.Debug("Starting embedded NATS server with data dir: %s", dataDir)

	ns, err := server.NewServer(&server.Options{
		JetStream:  true,
		StoreDir:   dataDir,
		DontListen: true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}
	logger.Debug("NATS server ready for connections")
	return ns, nil
}

// connectInProcess dials the embedded server without a socket.
func connectInProcess(ns *server.Server) (*nats.Conn, error) {
	nc, err := nats.Connect("", nats.InProcessServer(ns), nats.Name("espagent"))
	if err != nil {
		return nil, fmt.Errorf("connecting in-process: %w", err)
	}
	return nc, nil
}

// connectURL dials an external server.
func connectURL(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("espagent"))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	return nc, nil
}

// drain flushes nc and closes it, forcing the close after drainTimeout.
func drain(nc *nats.Conn) {
	done := make(chan error, 1)
	go func() { done <- nc.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("NATS drain failed, forcing close: %v", err)
			nc.Close()
		}
	case <-time.After(drainTimeout):
		logger.Warn("NATS drain timed out after %s, forcing close", drainTimeout)
		nc.Close()
	}
}

// shutdownServer stops ns and waits for it until ctx expires.
func shutdownServer(ctx context.Context, ns *server.Server) error {
	ns.Shutdown()

	done := make(chan struct{})
	go func() {
		ns.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("NATS server shut down cleanly")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("nats server shutdown: %w", ctx.Err())
	}
}
