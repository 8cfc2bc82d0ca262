//go:build windows

package connectivity

import (
	"context"
	"os"
	"os/signal"
)

// WatchSignals maps Ctrl+C onto Terminating until ctx is done. The returned
// channel is closed after Terminating has been delivered.
func WatchSignals(ctx context.Context, m *Monitor) <-chan struct{} {
	done := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-ctx.Done():
		case <-sigs:
			m.Terminating()
			close(done)
		}
	}()
	return done
}
