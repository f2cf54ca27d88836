// ABOUTME: Mouth agent: queues text replies and speaks them one at a time.
// ABOUTME: Speakers either log the line or pipe it to an external TTS command.

package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
)

// ErrQueueFull is returned by the text handler when speech is backed up.
var ErrQueueFull = errors.New("speech queue full")

// Speaker renders text as audio.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// MouthConfig tunes the mouth agent.
type MouthConfig struct {
	QueueSize int
}

// Mouth speaks what it is told.
type Mouth struct {
	runner
	speaker Speaker

	mu     sync.RWMutex
	closed bool
	queue  chan string

	done chan struct{}
}

// NewMouth creates a mouth agent on n.
func NewMouth(n *node.Node, s Speaker, cfg MouthConfig, logger *slog.Logger) *Mouth {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 32
	}
	m := &Mouth{
		speaker: s,
		queue:   make(chan string, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	m.init(n, logger, "mouth")
	n.RegisterHandler(envelope.TypeText, m.handleText)
	return m
}

// Start starts the node and the speech worker.
func (m *Mouth) Start(ctx context.Context) error {
	if err := m.start(ctx); err != nil {
		return err
	}
	go m.speakLoop(context.WithoutCancel(ctx))
	return nil
}

// Stop stops the node so no new speech arrives, then waits for the queue to drain.
func (m *Mouth) Stop(ctx context.Context) error {
	err := m.node.Stop(ctx)
	if errors.Is(err, node.ErrNotStarted) {
		return err
	}

	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Warn("speech queue not drained before stop deadline", "pending", len(m.queue))
	}
	return err
}

func (m *Mouth) handleText(_ context.Context, env *envelope.Envelope) error {
	speech := PlainText(env.Text())
	if speech == "" {
		return nil
	}
	m.logger.Info("speech requested", "from", env.Sender, "text", speech)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return node.ErrStopped
	}
	select {
	case m.queue <- speech:
		return nil
	default:
		return fmt.Errorf("%w: dropping %q", ErrQueueFull, speech)
	}
}

func (m *Mouth) speakLoop(ctx context.Context) {
	defer close(m.done)
	for text := range m.queue {
		if err := m.speaker.Speak(ctx, text); err != nil {
			m.logger.Error("speech failed", "error", err)
		}
	}
}

// LogSpeaker writes speech to a logger instead of a sound device.
type LogSpeaker struct {
	Logger *slog.Logger
}

// Speak logs text.
func (s LogSpeaker) Speak(_ context.Context, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("speaking", "text", text)
	return nil
}

// CommandSpeaker pipes text to an external text-to-speech program on stdin,
// e.g. ["espeak", "--stdin"] or ["say"].
type CommandSpeaker struct {
	Command []string
}

// Speak runs the command once per utterance.
func (s CommandSpeaker) Speak(ctx context.Context, text string) error {
	if len(s.Command) == 0 {
		return errors.New("speaker command is empty")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %s: %w: %s", s.Command[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
