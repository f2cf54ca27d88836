// ABOUTME: Eye agent: captures frames and sends at most one to the brain per analysis interval.
// ABOUTME: FileFrameSource reads the latest frame an external camera process writes to disk.

package roles

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
)

// Frame is one captured image.
type Frame struct {
	Data       []byte
	Format     string // e.g. "jpeg"
	PersonName string // recognised person, if any
}

// FrameSource captures the current frame.
type FrameSource interface {
	Capture(ctx context.Context) (Frame, error)
}

// EyeConfig tunes the eye agent.
type EyeConfig struct {
	AnalysisInterval time.Duration // minimum gap between frames sent to the brain
	CaptureEvery     time.Duration // capture cadence, defaults to one second
	ErrorDelay       time.Duration // wait after a capture failure, defaults to 15s

	// Brain receives frames. Defaults to "brain".
	Brain string
}

// Eye watches and periodically asks the brain to look.
type Eye struct {
	runner
	source FrameSource
	cfg    EyeConfig
	now    func() time.Time
}

// NewEye creates an eye agent on n.
func NewEye(n *node.Node, src FrameSource, cfg EyeConfig, logger *slog.Logger) *Eye {
	if cfg.Brain == "" {
		cfg.Brain = "brain"
	}
	if cfg.CaptureEvery <= 0 {
		cfg.CaptureEvery = time.Second
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = 15 * time.Second
	}
	e := &Eye{source: src, cfg: cfg, now: time.Now}
	e.init(n, logger, "eye")
	return e
}

// Start starts the node and the capture loop.
func (e *Eye) Start(ctx context.Context) error {
	return e.start(ctx, e.captureLoop)
}

// Stop ends the capture loop, then stops the node.
func (e *Eye) Stop(ctx context.Context) error {
	e.stopLoops(ctx)
	return e.node.Stop(ctx)
}

func (e *Eye) captureLoop(ctx context.Context) {
	var last time.Time
	for {
		frame, err := e.source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("capture failed", "error", err)
			if !sleep(ctx, e.cfg.ErrorDelay) {
				return
			}
			continue
		}

		if now := e.now(); last.IsZero() || now.Sub(last) >= e.cfg.AnalysisInterval {
			last = now
			e.send(ctx, frame)
		}

		if !sleep(ctx, e.cfg.CaptureEvery) {
			return
		}
	}
}

func (e *Eye) send(ctx context.Context, f Frame) {
	env := envelope.Image(e.ID(), e.cfg.Brain, base64.StdEncoding.EncodeToString(f.Data), f.Format, f.PersonName)
	e.logger.Info("sending frame for analysis", "to", e.cfg.Brain, "bytes", len(f.Data), "person", f.PersonName)
	if err := e.node.SendEnvelope(ctx, env); err != nil {
		e.logger.Warn("sending frame failed", "error", err)
	}
}

// FileFrameSource reads a frame from Path on every capture.
type FileFrameSource struct {
	Path string
}

// Capture reads the file. The format is taken from its extension.
func (s FileFrameSource) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Frame{}, fmt.Errorf("reading frame: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("reading frame: %s is empty", s.Path)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(s.Path)), ".")
	if format == "jpg" {
		format = "jpeg"
	}
	return Frame{Data: data, Format: format}, nil
}
