package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/example/bookvoice/internal/apperr"
)

// Client talks the control protocol to a running server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{},
	}
}

// Health reports whether the server answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %s", resp.Status)
	}
	return nil
}

// Status fetches the server's engine and device report.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

// Load makes an engine's model resident; idempotent server-side.
func (c *Client) Load(ctx context.Context, engine, language string) (LoadResponse, error) {
	var out LoadResponse
	err := c.postJSON(ctx, "/load", loadRequest{Engine: engine, Language: language}, &out)
	return out, err
}

// Unload releases an engine's model; engine "all" clears everything.
func (c *Client) Unload(ctx context.Context, engine, language string) (LoadResponse, error) {
	var out LoadResponse
	err := c.postJSON(ctx, "/unload", loadRequest{Engine: engine, Language: language}, &out)
	return out, err
}

// Generate synthesizes one request and returns WAV bytes.
func (c *Client) Generate(ctx context.Context, engine string, req GenerateRequest) ([]byte, error) {
	payload, err := json.Marshal(generateRequest{
		Engine:   engine,
		Text:     req.Text,
		Speaker:  req.Speaker,
		Language: req.Language,
		Rate:     req.Rate,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(err, engine, "generate")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindGeneration, engine, "generate", readErrorBody(resp.Body))
	}
	return io.ReadAll(resp.Body)
}

// Shutdown asks the server process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.postJSON(ctx, "/shutdown", struct{}{}, &struct {
		Success bool `json:"success"`
	}{})
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, readErrorBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, readErrorBody(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorBody(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return "request failed"
}

// ---------------------------------------------------------------------------
// Supervisor — owns the server child process
// ---------------------------------------------------------------------------

// Supervisor starts the inference server as a child process and waits
// for it to come up. It is the only component that spawns or kills the
// server.
type Supervisor struct {
	Addr           string
	StartupTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger

	// Command builds the server process. Overridable for tests.
	Command func() (*exec.Cmd, error)
}

// NewSupervisor supervises a server on addr, started by re-invoking this
// binary's server command.
func NewSupervisor(addr string, startupTimeout time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		Addr:           addr,
		StartupTimeout: startupTimeout,
		PollInterval:   250 * time.Millisecond,
		Logger:         logger,
		Command: func() (*exec.Cmd, error) {
			exe, err := os.Executable()
			if err != nil {
				return nil, err
			}
			cmd := exec.Command(exe, "server", "--server-listen-addr", addr)
			cmd.Stdout = os.Stderr
			cmd.Stderr = os.Stderr
			return cmd, nil
		},
	}
}

// Start launches the server and polls its health endpoint until it
// answers or the startup timeout lapses. On timeout the child is killed
// and a typed error is returned.
func (s *Supervisor) Start(ctx context.Context) (*Client, error) {
	client := NewClient(s.Addr)

	// An already-running server is adopted, not duplicated.
	if err := client.Health(ctx); err == nil {
		s.Logger.Info("inference server already running", "addr", s.Addr)
		return client, nil
	}

	cmd, err := s.Command()
	if err != nil {
		return nil, apperr.Wrap(err, "", "server-start")
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(fmt.Errorf("start inference server: %w", err), "", "server-start")
	}
	s.Logger.Info("inference server starting", "addr", s.Addr, "pid", cmd.Process.Pid)

	deadline := time.Now().Add(s.StartupTimeout)
	for {
		if err := client.Health(ctx); err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			return nil, apperr.New(apperr.KindGeneration, "", "server-start",
				fmt.Sprintf("inference server did not become healthy within %s", s.StartupTimeout))
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return nil, ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// Stop shuts the server down via the control protocol.
func (s *Supervisor) Stop(ctx context.Context) error {
	return NewClient(s.Addr).Shutdown(ctx)
}
