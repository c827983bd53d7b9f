package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ExitFunc is swapped out in tests.
var ExitFunc = os.Exit

type closer struct {
	name string
	fn   func() error
}

var (
	mu      sync.Mutex
	closers []closer
)

// OnShutdown registers fn to run at shutdown. Closers run in reverse registration order.
func OnShutdown(name string, fn func() error) {
	mu.Lock()
	closers = append(closers, closer{name: name, fn: fn})
	mu.Unlock()
}

func runClosers() {
	mu.Lock()
	pending := closers
	closers = nil
	mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		c := pending[i]
		if err := c.fn(); err != nil {
			log.Warn().Err(err).Str("component", c.name).Msg("Close failed during shutdown")
			continue
		}
		log.Debug().Str("component", c.name).Msg("Closed")
	}
}

// WaitForSignal blocks until SIGINT or SIGTERM, then cancels the process context.
func WaitForSignal(ctx context.Context, cancel context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info().Msg("Shutdown signal received")
	cancel()
}

func Shutdown() {
	runClosers()
	log.Info().Msg("Outlet controller stopped")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	runClosers()
	ExitFunc(1)
}
