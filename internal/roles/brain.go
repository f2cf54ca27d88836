// ABOUTME: Brain agent: turns text, transcribed speech and camera frames into spoken replies.
// ABOUTME: Keeps a bounded conversation history and calls the LLM with bounded retry.

package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
)

const (
	visionPrompt = "Briefly describe the facial expression and posture of the person in this image. " +
		"Only describe what you see, without further explanation."
	greetingPrompt = "You are a friendly assistant. You can see %s, whose expression and posture are: %s. " +
		"%s Keep it under fifteen words."
)

// Models selects the model used per input kind.
type Models struct {
	Text  string
	Image string
	Audio string
}

// BrainConfig tunes the brain agent.
type BrainConfig struct {
	Models     Models
	History    int // messages kept, 0 keeps none
	RetryCount int
	RetryDelay time.Duration

	// Mouth receives every reply. Defaults to "mouth".
	Mouth string
}

// Brain answers inbound messages through an LLM.
type Brain struct {
	runner
	llm LLM
	cfg BrainConfig

	mu      sync.Mutex
	history []Message
}

// NewBrain wires the brain's handlers onto n.
func NewBrain(n *node.Node, llm LLM, cfg BrainConfig, logger *slog.Logger) *Brain {
	if cfg.Mouth == "" {
		cfg.Mouth = "mouth"
	}
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	b := &Brain{llm: llm, cfg: cfg}
	b.init(n, logger, "brain")
	n.RegisterHandler(envelope.TypeText, b.handleText)
	n.RegisterHandler(envelope.TypeAudio, b.handleAudio)
	n.RegisterHandler(envelope.TypeImage, b.handleImage)
	return b
}

// Start starts the node.
func (b *Brain) Start(ctx context.Context) error {
	b.logger.Info("brain starting", "text_model", b.cfg.Models.Text, "image_model", b.cfg.Models.Image)
	return b.start(ctx)
}

// Stop stops the node.
func (b *Brain) Stop(ctx context.Context) error {
	return b.node.Stop(ctx)
}

// History returns a copy of the conversation so far.
func (b *Brain) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.history...)
}

func (b *Brain) handleText(ctx context.Context, env *envelope.Envelope) error {
	text := strings.TrimSpace(env.Text())
	if text == "" {
		return nil
	}
	return b.converse(ctx, b.cfg.Models.Text, Message{Role: "user", Content: text})
}

// handleAudio expects speech already transcribed into content.text.
func (b *Brain) handleAudio(ctx context.Context, env *envelope.Envelope) error {
	text := strings.TrimSpace(env.Text())
	if text == "" {
		b.logger.Warn("audio envelope without transcript", "from", env.Sender)
		return nil
	}
	b.logger.Info("speech received", "from", env.Sender, "text", text)
	return b.converse(ctx, b.cfg.Models.Audio, Message{Role: "user", Content: "[spoken] " + text})
}

func (b *Brain) converse(ctx context.Context, model string, msg Message) error {
	msgs := b.remember(msg)

	reply, err := retry(ctx, b.cfg.RetryCount, b.cfg.RetryDelay, func(ctx context.Context) (string, error) {
		return b.llm.Chat(ctx, model, msgs)
	})
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	b.remember(Message{Role: "assistant", Content: reply})
	return b.say(ctx, reply)
}

func (b *Brain) handleImage(ctx context.Context, env *envelope.Envelope) error {
	data := env.String("image_data")
	if data == "" {
		b.logger.Warn("empty image received", "from", env.Sender)
		return nil
	}
	person := env.String("person_name")
	b.logger.Info("analysing image", "from", env.Sender, "person", person)

	analysis, err := b.llm.Generate(ctx, b.cfg.Models.Image, visionPrompt, []string{data})
	if err != nil {
		b.logger.Warn("image analysis failed", "error", err)
		analysis = "unclear"
	}

	subject := "the person in front of you"
	if person != "" {
		subject = person
	}
	hadConversation := b.hasConversation()
	b.remember(Message{Role: "system", Content: fmt.Sprintf("[vision] %s: %s", subject, analysis)})

	ask := "Greet them naturally."
	if hadConversation {
		ask = "Respond naturally, taking the recent conversation into account."
	}
	prompt := fmt.Sprintf(greetingPrompt, subject, analysis, ask)

	reply, err := retry(ctx, b.cfg.RetryCount, b.cfg.RetryDelay, func(ctx context.Context) (string, error) {
		return b.llm.Generate(ctx, b.cfg.Models.Image, prompt, nil)
	})
	if err != nil {
		return fmt.Errorf("generating greeting: %w", err)
	}
	b.remember(Message{Role: "assistant", Content: reply})
	return b.say(ctx, reply)
}

func (b *Brain) say(ctx context.Context, text string) error {
	b.logger.Info("replying", "to", b.cfg.Mouth, "text", text)
	if err := b.node.SendEnvelope(ctx, envelope.Text(b.ID(), b.cfg.Mouth, text)); err != nil {
		return fmt.Errorf("sending reply to %s: %w", b.cfg.Mouth, err)
	}
	return nil
}

// remember appends msg, trims the history and returns a snapshot including msg.
func (b *Brain) remember(msg Message) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, msg)
	if over := len(b.history) - b.cfg.History; over > 0 {
		b.history = append([]Message(nil), b.history[over:]...)
	}
	if b.cfg.History == 0 {
		return []Message{msg}
	}
	return append([]Message(nil), b.history...)
}

func (b *Brain) hasConversation() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.history {
		if m.Role == "user" || m.Role == "assistant" {
			return true
		}
	}
	return false
}
