package sandbox

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// maxOutputBytes caps captured command output to prevent OOM from chatty
// fuzzing campaigns.
const maxOutputBytes = 8 << 20 // 8 MB

// Handle is a non-blocking reference to one command executing inside a
// sandbox. It has exactly two states, Running then Completed; once Running
// reports false the exit code and output are cached and every later read
// is free. The handle enforces no timeout of its own; callers wanting a
// time bound prefix the command with `timeout Ns` and interpret exit code
// 124.
type Handle interface {
	// Running polls the command state without blocking.
	Running() bool
	// ExitCode returns the exit code once completed, -1 while running.
	ExitCode() int
	// Output returns the combined output once completed, nil while running.
	Output() []byte
}

// execHandle implements Handle over a started exec.Cmd. A goroutine waits
// on the process and closes done; polls only inspect the channel.
type execHandle struct {
	done chan struct{}

	mu       sync.Mutex
	output   bytes.Buffer
	exitCode int
	finished bool
}

// startHandle starts cmd and returns a handle observing its completion.
func startHandle(cmd *exec.Cmd) (Handle, error) {
	h := &execHandle{
		done:     make(chan struct{}),
		exitCode: -1,
	}
	capped := &limitedWriter{w: &h.output, remaining: maxOutputBytes}
	cmd.Stdout = capped
	cmd.Stderr = capped

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.finished = true
		switch {
		case err == nil:
			h.exitCode = 0
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				h.exitCode = exitErr.ExitCode()
			} else {
				// Start succeeded but Wait failed outside the process
				// exiting (e.g. the context killed it). Surface as -1.
				h.exitCode = -1
			}
		}
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

func (h *execHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return -1
	}
	return h.exitCode
}

func (h *execHandle) Output() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		return nil
	}
	return h.output.Bytes()
}

// limitedWriter discards bytes past its budget while reporting success,
// so long-running commands are never back-pressured by the cap.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		n = lw.remaining
	}
	if _, err := lw.w.Write(p[:n]); err != nil {
		return 0, err
	}
	lw.remaining -= n
	return len(p), nil
}
