package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// workerRequest is one line of the worker wire protocol, written to the
// driver's stdin as JSON.
type workerRequest struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
	// Rate is a speed multiplier; 1.0 leaves the audio untouched.
	Rate   float64 `json:"rate"`
	Output string  `json:"output"`
}

// Worker is a loaded model the engine can synthesize through.
type Worker interface {
	// Call synthesizes one request and returns WAV bytes.
	Call(ctx context.Context, req workerRequest) ([]byte, error)
	Close() error
}

// WorkerFactory starts a driver subprocess and blocks until its model is
// resident.
type WorkerFactory func(ctx context.Context, interpreter, driver string, args []string) (Worker, error)

// readyMarker is printed by every driver once its model is loaded;
// responses are "DONE" or "ERROR <message>" lines.
const (
	readyMarker = "READY"
	doneMarker  = "DONE"
	errorMarker = "ERROR"
)

// procWorker talks the line protocol to a live driver subprocess. One
// request writes a JSON line naming a scratch output file; the driver
// answers DONE when the file holds the finished WAV.
type procWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	tmpDir string
	seq    int
}

// StartWorker launches a driver and waits for its ready line. The model
// load happens during this call; it is synchronous by design.
func StartWorker(ctx context.Context, interpreter, driver string, args []string) (Worker, error) {
	cmd := exec.Command(interpreter, append([]string{"-c", driver}, args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "bookvoice-worker-")
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	w := &procWorker{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), tmpDir: tmpDir}
	if err := w.awaitReady(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// awaitReady reads driver output until the ready line, honoring the
// caller's deadline by polling in a goroutine.
func (w *procWorker) awaitReady(ctx context.Context) error {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := w.stdout.ReadString('\n')
			if err != nil {
				ch <- result{"", fmt.Errorf("driver exited before ready: %w", err)}
				return
			}
			line = strings.TrimSpace(line)
			if line == readyMarker {
				ch <- result{line, nil}
				return
			}
			if strings.HasPrefix(line, errorMarker) {
				ch <- result{"", fmt.Errorf("driver: %s", strings.TrimSpace(strings.TrimPrefix(line, errorMarker)))}
				return
			}
			// Model-download chatter before READY is ignored here.
		}
	}()

	select {
	case r := <-ch:
		return r.err
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		return ctx.Err()
	}
}

func (w *procWorker) Call(ctx context.Context, req workerRequest) ([]byte, error) {
	w.seq++
	req.Output = fmt.Sprintf("%s/out-%d.wav", w.tmpDir, w.seq)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write to driver: %w", err)
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := w.stdout.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()

	var line string
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("driver response: %w", r.err)
		}
		line = r.line
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch {
	case line == doneMarker:
		data, err := os.ReadFile(req.Output)
		os.Remove(req.Output)
		if err != nil {
			return nil, fmt.Errorf("read driver output: %w", err)
		}
		return data, nil
	case strings.HasPrefix(line, errorMarker):
		return nil, fmt.Errorf("driver: %s", strings.TrimSpace(strings.TrimPrefix(line, errorMarker)))
	default:
		return nil, fmt.Errorf("unexpected driver response %q", line)
	}
}

// Close asks the driver to exit and kills it if it lingers.
func (w *procWorker) Close() error {
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = w.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = w.cmd.Process.Kill()
		<-done
	}
	os.RemoveAll(w.tmpDir)
	return nil
}
