// ABOUTME: Ear agent: runs a listen loop over a Transcriber and forwards speech to the brain.
// ABOUTME: LineTranscriber reads one utterance per line from any io.Reader.

package roles

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
)

// ErrNoSpeech reports a listen window in which nothing intelligible was heard.
var ErrNoSpeech = errors.New("no speech recognised")

// Transcriber blocks until an utterance is heard and returns it as text.
// io.EOF ends the listen loop.
type Transcriber interface {
	Listen(ctx context.Context) (string, error)
}

// EarConfig tunes the ear agent.
type EarConfig struct {
	RetryDelay time.Duration // wait after a transcriber failure

	// Brain receives every transcript. Defaults to "brain".
	Brain string
}

// Ear listens and forwards what it hears.
type Ear struct {
	runner
	transcriber Transcriber
	cfg         EarConfig
}

// NewEar creates an ear agent on n.
func NewEar(n *node.Node, t Transcriber, cfg EarConfig, logger *slog.Logger) *Ear {
	if cfg.Brain == "" {
		cfg.Brain = "brain"
	}
	e := &Ear{transcriber: t, cfg: cfg}
	e.init(n, logger, "ear")
	return e
}

// Start starts the node and the listen loop.
func (e *Ear) Start(ctx context.Context) error {
	return e.start(ctx, e.listenLoop)
}

// Stop ends the listen loop, then stops the node.
func (e *Ear) Stop(ctx context.Context) error {
	e.stopLoops(ctx)
	return e.node.Stop(ctx)
}

func (e *Ear) listenLoop(ctx context.Context) {
	e.logger.Info("listening")
	for ctx.Err() == nil {
		text, err := e.transcriber.Listen(ctx)
		switch {
		case errors.Is(err, io.EOF):
			e.logger.Info("transcriber closed, listen loop ending")
			return
		case errors.Is(err, ErrNoSpeech):
			e.logger.Debug("could not understand audio")
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("transcription failed", "error", err)
			sleep(ctx, e.cfg.RetryDelay)
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		e.logger.Info("heard", "text", text)
		if err := e.node.SendEnvelope(ctx, envelope.Text(e.ID(), e.cfg.Brain, text)); err != nil {
			e.logger.Warn("forwarding transcript failed", "to", e.cfg.Brain, "error", err)
		}
	}
}

// LineTranscriber treats each line of r as one utterance.
type LineTranscriber struct {
	r    io.Reader
	once sync.Once
	ch   chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewLineTranscriber reads utterances from r, typically os.Stdin.
func NewLineTranscriber(r io.Reader) *LineTranscriber {
	return &LineTranscriber{r: r, ch: make(chan lineResult)}
}

// Listen returns the next line. A blank line yields ErrNoSpeech.
func (l *LineTranscriber) Listen(ctx context.Context) (string, error) {
	l.once.Do(func() { go l.scan() })

	select {
	case res, ok := <-l.ch:
		if !ok {
			return "", io.EOF
		}
		if res.err != nil {
			return "", res.err
		}
		if strings.TrimSpace(res.text) == "" {
			return "", ErrNoSpeech
		}
		return res.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *LineTranscriber) scan() {
	defer close(l.ch)
	sc := bufio.NewScanner(l.r)
	for sc.Scan() {
		l.ch <- lineResult{text: sc.Text()}
	}
	if err := sc.Err(); err != nil {
		l.ch <- lineResult{err: err}
	}
}
