package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/bookvoice/internal/apperr"
	"github.com/example/bookvoice/internal/audio"
	"github.com/example/bookvoice/internal/fsm"
	"github.com/example/bookvoice/internal/inference"
	"github.com/example/bookvoice/internal/progress"
	"github.com/example/bookvoice/internal/text"
)

// maxChunkChars bounds how much text a single generation request
// carries. Long passages are split on sentence boundaries so progress
// stays live and a failure loses at most one chunk.
const maxChunkChars = 600

// ConvertRequest describes one text-to-audio job.
type ConvertRequest struct {
	Engine     string
	Language   string
	Speaker    string
	Rate       string
	Text       string
	OutputPath string
}

// Convert synthesizes req.Text into a WAV file at req.OutputPath. It
// blocks until done, failed, or aborted. Aborting returns nil with no
// output file left behind.
func (o *Orchestrator) Convert(ctx context.Context, client *inference.Client, req ConvertRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return apperr.New(apperr.KindGeneration, req.Engine, "convert", "nothing to convert: the text is empty")
	}
	if req.OutputPath == "" {
		return apperr.New(apperr.KindGeneration, req.Engine, "convert", "no output path given")
	}

	snap := o.dispatch(fsm.Action{Type: fsm.ActionStartConversion, Provider: req.Engine, OutputPath: req.OutputPath})
	if snap.State.Tag != fsm.StateConverting {
		return apperr.New(apperr.KindGeneration, req.Engine, "convert", "conversion is not available in the current state")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.convertMu.Lock()
	o.cancelConvert = cancel
	o.convertMu.Unlock()
	defer func() {
		cancel()
		o.convertMu.Lock()
		o.cancelConvert = nil
		o.convertMu.Unlock()
	}()

	err := o.convert(ctx, client, req)
	switch {
	case err == nil:
		o.dispatch(fsm.Action{Type: fsm.ActionConversionSuccess, OutputPath: req.OutputPath})
		return nil
	case ctx.Err() != nil:
		o.dispatch(fsm.Action{Type: fsm.ActionCancelConversion})
		return nil
	default:
		o.dispatch(fsm.Action{Type: fsm.ActionConversionFailed, Err: asAppError(err, req.Engine, "convert")})
		return err
	}
}

// AbortConversion cancels a running conversion. Safe to call when none
// is running.
func (o *Orchestrator) AbortConversion() {
	o.convertMu.Lock()
	defer o.convertMu.Unlock()
	if o.cancelConvert != nil {
		o.cancelConvert()
	}
}

func (o *Orchestrator) convert(ctx context.Context, client *inference.Client, req ConvertRequest) error {
	report := o.progressFunc(fsm.ActionConversionProgress)

	report(progress.Event{Stage: "convert", Percent: 0, Detail: "Loading voice model"})
	if _, err := client.Load(ctx, req.Engine, req.Language); err != nil {
		return err
	}

	normalized, err := text.Normalize(req.Text)
	if err != nil {
		return apperr.New(apperr.KindGeneration, req.Engine, "convert", err.Error())
	}
	chunks := text.ChunkBySentence(normalized, maxChunkChars)
	partial := req.OutputPath + ".partial"
	defer os.Remove(partial)

	var samples []float32
	sampleRate := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		wav, err := client.Generate(ctx, req.Engine, inference.GenerateRequest{
			Text:     text.PrepareChunk(chunk),
			Speaker:  req.Speaker,
			Language: req.Language,
			Rate:     req.Rate,
		})
		if err != nil {
			return err
		}
		segment, rate, err := audio.DecodeWAV(wav)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i+1, err)
		}
		if sampleRate == 0 {
			sampleRate = rate
		} else if rate != sampleRate {
			return fmt.Errorf("chunk %d: sample rate changed from %d to %d", i+1, sampleRate, rate)
		}
		samples = append(samples, segment...)

		pct := (i + 1) * 95 / len(chunks)
		report(progress.Event{Stage: "convert", Percent: pct, Detail: fmt.Sprintf("Synthesized %d of %d passages", i+1, len(chunks))})
	}

	out, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(partial, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(partial, req.OutputPath); err != nil {
		return err
	}
	report(progress.Event{Stage: "convert", Percent: 100, Detail: "Done"})
	return nil
}
