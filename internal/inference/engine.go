// Package inference hosts the model-serving side of the application: the
// loopback HTTP control server, the engines it serves, and the lifecycle
// manager the orchestrator uses to run that server as a child process.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotLoaded is returned by Generate when the requested model is not
// resident. Callers are responsible for loading first.
var ErrNotLoaded = errors.New("model not loaded")

// GenerateRequest is one synthesis call.
type GenerateRequest struct {
	Text     string
	Speaker  string
	Language string
	// Rate is a signed percentage speed adjustment like "+50%" or
	// "-25%", parsed to a multiplier before it reaches a driver.
	Rate string
}

// Engine is one TTS back end. Load and Unload manage model residency per
// language key; engines without per-language models use a single key.
type Engine interface {
	Name() string
	// Load makes the model for language resident. Loading an
	// already-loaded language is a no-op.
	Load(ctx context.Context, language string) error
	// Unload releases the model for language; empty releases all.
	Unload(language string)
	// Loaded reports residency per language key.
	Loaded() map[string]bool
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)
}

// pythonEngine runs models inside per-language worker subprocesses. A
// worker holds its model in memory for its whole life; unloading kills
// the worker, which releases both heap and GPU memory with it.
type pythonEngine struct {
	name        string
	interpreter string
	driver      string
	// models maps language keys to the model identifier the driver
	// loads for that language.
	models      map[string]string
	defaultLang string
	// serialize forces one Generate at a time across all languages, for
	// the engine whose library is not safe for concurrent synthesis.
	serialize bool

	start WorkerFactory

	mu      sync.Mutex
	workers map[string]*workerHandle
	genMu   sync.Mutex
}

type workerHandle struct {
	w Worker
	// callMu serializes calls on one worker: the wire protocol is one
	// request, one response.
	callMu sync.Mutex
}

func (e *pythonEngine) Name() string { return e.name }

// langKey maps a request language onto the engine's model table.
func (e *pythonEngine) langKey(language string) (string, error) {
	if language == "" {
		language = e.defaultLang
	}
	if _, ok := e.models[language]; !ok {
		return "", fmt.Errorf("engine %s has no model for language %q", e.name, language)
	}
	return language, nil
}

func (e *pythonEngine) Load(ctx context.Context, language string) error {
	lang, err := e.langKey(language)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workers[lang]; ok {
		return nil
	}

	w, err := e.start(ctx, e.interpreter, e.driver, []string{e.models[lang], lang})
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", e.name, lang, err)
	}
	if e.workers == nil {
		e.workers = make(map[string]*workerHandle)
	}
	e.workers[lang] = &workerHandle{w: w}
	return nil
}

func (e *pythonEngine) Unload(language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if language == "" {
		for lang, h := range e.workers {
			h.w.Close()
			delete(e.workers, lang)
		}
		return
	}
	if h, ok := e.workers[language]; ok {
		h.w.Close()
		delete(e.workers, language)
	}
}

func (e *pythonEngine) Loaded() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]bool, len(e.models))
	for lang := range e.models {
		_, ok := e.workers[lang]
		out[lang] = ok
	}
	return out
}

func (e *pythonEngine) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	lang, err := e.langKey(req.Language)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	h, ok := e.workers[lang]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotLoaded, e.name, lang)
	}

	if e.serialize {
		e.genMu.Lock()
		defer e.genMu.Unlock()
	}
	h.callMu.Lock()
	defer h.callMu.Unlock()

	return h.w.Call(ctx, workerRequest{
		Text:    req.Text,
		Speaker: req.Speaker,
		Rate:    parseRate(req.Rate),
	})
}
