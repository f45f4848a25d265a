package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	requestTimeout time.Duration
	shutdownDelay  time.Duration
	logger         *slog.Logger
	exit           func()
	memory         func() float64
}

func defaultOptions() options {
	return options{
		requestTimeout: 300 * time.Second,
		shutdownDelay:  500 * time.Millisecond,
		logger:         slog.Default(),
		exit:           func() { os.Exit(0) },
		memory:         residentMemoryGB,
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithRequestTimeout sets the per-request generation deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithShutdownDelay sets how long after the shutdown response the process
// exits. The delay exists so the response can flush.
func WithShutdownDelay(d time.Duration) Option {
	return func(o *options) { o.shutdownDelay = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExit overrides the process-exit hook invoked after shutdown.
func WithExit(fn func()) Option {
	return func(o *options) { o.exit = fn }
}

// WithMemoryProbe overrides the resident-memory measurement.
func WithMemoryProbe(fn func() float64) Option {
	return func(o *options) { o.memory = fn }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler owns the engine table. Nothing outside it mutates the
// loaded-model set.
type handler struct {
	engines map[string]Engine
	device  Device
	opts    options
	log     *slog.Logger
}

// NewHandler returns the control-protocol handler over the given
// engines. The device is probed once by the caller and fixed.
func NewHandler(engines []Engine, device Device, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	table := make(map[string]Engine, len(engines))
	for _, e := range engines {
		table[e.Name()] = e
	}
	h := &handler{
		engines: table,
		device:  device,
		opts:    opts,
		log:     opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/load", h.handleLoad)
	mux.HandleFunc("/unload", h.handleUnload)
	mux.HandleFunc("/generate", h.handleGenerate)
	mux.HandleFunc("/shutdown", h.handleShutdown)
	return mux
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Engines  map[string]map[string]bool `json:"engines"`
	MemoryGB float64                    `json:"memory_gb"`
	Device   string                     `json:"device"`
	Backend  string                     `json:"backend"`
	GPUName  string                     `json:"gpu_name,omitempty"`
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	engines := make(map[string]map[string]bool, len(h.engines))
	for name, e := range h.engines {
		engines[name] = e.Loaded()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Engines:  engines,
		MemoryGB: h.opts.memory(),
		Device:   h.device.Device,
		Backend:  h.device.Backend,
		GPUName:  h.device.GPUName,
	})
}

type loadRequest struct {
	Engine   string `json:"engine"`
	Language string `json:"language,omitempty"`
}

// LoadResponse is the /load and /unload payload.
type LoadResponse struct {
	Success  bool    `json:"success"`
	MemoryGB float64 `json:"memory_gb"`
}

func (h *handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Engine == "" {
		writeError(w, http.StatusBadRequest, "engine field is required")
		return
	}
	engine, ok := h.engines[req.Engine]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown engine %q", req.Engine))
		return
	}

	start := time.Now()
	if err := engine.Load(r.Context(), req.Language); err != nil {
		h.log.ErrorContext(r.Context(), "model load failed",
			slog.String("engine", req.Engine),
			slog.String("language", req.Language),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.InfoContext(r.Context(), "model loaded",
		slog.String("engine", req.Engine),
		slog.String("language", req.Language),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	writeJSON(w, http.StatusOK, LoadResponse{Success: true, MemoryGB: h.opts.memory()})
}

func (h *handler) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Engine == "" {
		writeError(w, http.StatusBadRequest, "engine field is required")
		return
	}

	if req.Engine == "all" {
		for _, e := range h.engines {
			e.Unload("")
		}
	} else {
		engine, ok := h.engines[req.Engine]
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown engine %q", req.Engine))
			return
		}
		engine.Unload(req.Language)
	}
	h.log.InfoContext(r.Context(), "model unloaded",
		slog.String("engine", req.Engine),
		slog.String("language", req.Language),
	)
	writeJSON(w, http.StatusOK, LoadResponse{Success: true, MemoryGB: h.opts.memory()})
}

type generateRequest struct {
	Engine   string `json:"engine"`
	Text     string `json:"text"`
	Speaker  string `json:"speaker"`
	Language string `json:"language,omitempty"`
	Rate     string `json:"rate,omitempty"`
}

func (h *handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodePost(w, r, &req) {
		return
	}
	if req.Engine == "" || req.Text == "" || req.Speaker == "" {
		writeError(w, http.StatusBadRequest, "engine, text, and speaker fields are required")
		return
	}
	engine, ok := h.engines[req.Engine]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown engine %q", req.Engine))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	wav, err := engine.Generate(ctx, GenerateRequest{
		Text:     req.Text,
		Speaker:  req.Speaker,
		Language: req.Language,
		Rate:     req.Rate,
	})
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrNotLoaded) {
			level = slog.LevelWarn
		}
		h.log.LogAttrs(r.Context(), level, "generation failed",
			slog.String("engine", req.Engine),
			slog.String("speaker", req.Speaker),
			slog.Int("text_len", len(req.Text)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "generation complete",
		slog.String("engine", req.Engine),
		slog.String("speaker", req.Speaker),
		slog.Int("text_len", len(req.Text)),
		slog.Int64("duration_ms", durationMS),
		slog.Int("wav_bytes", len(wav)),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (h *handler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	for _, e := range h.engines {
		e.Unload("")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	// Exit after the response has a chance to flush.
	h.log.Info("shutdown requested", "delay", h.opts.shutdownDelay)
	time.AfterFunc(h.opts.shutdownDelay, h.opts.exit)
}

func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server — wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server runs the control protocol on a loopback address.
type Server struct {
	addr            string
	engines         []Engine
	device          Device
	handlerOpts     []Option
	shutdownTimeout time.Duration
}

// NewServer builds a server over the given engines.
func NewServer(addr string, engines []Engine, device Device, optFns ...Option) *Server {
	return &Server{
		addr:            addr,
		engines:         engines,
		device:          device,
		handlerOpts:     optFns,
		shutdownTimeout: 10 * time.Second,
	}
}

// Start serves until ctx is cancelled, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           NewHandler(s.engines, s.device, s.handlerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// DefaultEngines builds the engine set served by a production server.
func DefaultEngines(resources string) []Engine {
	return []Engine{
		NewSileroEngine(resources, nil),
		NewXTTSEngine(resources, nil),
		NewPiperEngine(resources, nil),
	}
}
