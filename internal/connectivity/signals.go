//go:build !windows

package connectivity

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals maps process signals onto lifecycle transitions until ctx is
// done: SIGINT and SIGTERM become Terminating, SIGUSR2 becomes Background
// and SIGCONT or SIGUSR1 become Foreground. The returned channel is closed
// after Terminating has been delivered.
func WatchSignals(ctx context.Context, m *Monitor) <-chan struct{} {
	return watch(ctx, m, map[os.Signal]func(){
		syscall.SIGINT:  m.Terminating,
		syscall.SIGTERM: m.Terminating,
		syscall.SIGUSR2: m.Background,
		syscall.SIGCONT: m.Foreground,
		syscall.SIGUSR1: m.Foreground,
	})
}

func watch(ctx context.Context, m *Monitor, actions map[os.Signal]func()) <-chan struct{} {
	done := make(chan struct{})
	sigs := make(chan os.Signal, len(actions))
	for sig := range actions {
		signal.Notify(sigs, sig)
	}

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				actions[sig]()
				if sig == os.Interrupt || sig == syscall.SIGTERM {
					close(done)
					return
				}
			}
		}
	}()
	return done
}
