package upload

import (
	"fmt"
	"os"
	"os/signal"
)

// InterruptScope arms two-stage Ctrl+C handling for the duration of an
// upload. The first interrupt flips the engine's abort flag so workers stop
// cooperatively and the upload record gets cleaned up; the second re-raises
// the signal with the default handler for an immediate exit. The returned
// function disarms the scope.
func (e *Engine) InterruptScope() func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)

	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(e.stderr, "\n  Upload cancelling... (press Ctrl+C again to force exit)")
			e.Abort()
		case <-done:
			return
		}

		select {
		case <-sigCh:
			signal.Reset(os.Interrupt)

			p, err := os.FindProcess(os.Getpid())
			if err == nil {
				_ = p.Signal(os.Interrupt)
			}
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
