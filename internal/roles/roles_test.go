// ABOUTME: Tests for the brain, ear, eye and mouth agents over loopback nodes.

package roles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-senses/internal/envelope"
)

func testModels() Models {
	return Models{Text: "text-model", Image: "image-model", Audio: "audio-model"}
}

func TestBrain_RepliesToMouth(t *testing.T) {
	c := newCluster(t)
	mouth := c.sink("mouth")
	llm := &fakeLLM{}
	bn := c.node("brain")
	brain := NewBrain(bn, llm, BrainConfig{Models: testModels(), History: 10}, testLogger())
	c.run(brain, bn)

	ear := c.sink("ear")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ear.SendEnvelope(ctx, envelope.Text("ear", "brain", "hello")))

	reply := mouth.next(t)
	assert.Equal(t, "brain", reply.Sender)
	assert.Equal(t, "text-model says: hello", reply.Text())

	hist := brain.History()
	require.Len(t, hist, 2)
	assert.Equal(t, Message{Role: "user", Content: "hello"}, hist[0])
	assert.Equal(t, "assistant", hist[1].Role)
}

func TestBrain_AudioUsesAudioModel(t *testing.T) {
	c := newCluster(t)
	mouth := c.sink("mouth")
	bn := c.node("brain")
	c.run(NewBrain(bn, &fakeLLM{}, BrainConfig{Models: testModels(), History: 10}, testLogger()), bn)

	ear := c.sink("ear")
	env := envelope.Audio("ear", "brain", "", "")
	env.Content["text"] = "what time is it"
	require.NoError(t, ear.SendEnvelope(context.Background(), env))

	assert.Equal(t, "audio-model says: [spoken] what time is it", mouth.next(t).Text())
}

func TestBrain_RetriesLLM(t *testing.T) {
	c := newCluster(t)
	mouth := c.sink("mouth")
	llm := &fakeLLM{failChat: 2}
	bn := c.node("brain")
	c.run(NewBrain(bn, llm, BrainConfig{Models: testModels(), History: 10, RetryCount: 3}, testLogger()), bn)

	require.NoError(t, c.sink("ear").SendEnvelope(context.Background(), envelope.Text("ear", "brain", "hi")))

	assert.Equal(t, "text-model says: hi", mouth.next(t).Text())
	assert.Equal(t, 3, llm.chatCount())
}

func TestBrain_GivesUpAfterRetryCount(t *testing.T) {
	c := newCluster(t)
	mouth := c.sink("mouth")
	llm := &fakeLLM{failChat: 5}
	bn := c.node("brain")
	c.run(NewBrain(bn, llm, BrainConfig{Models: testModels(), History: 10, RetryCount: 2}, testLogger()), bn)

	require.NoError(t, c.sink("ear").SendEnvelope(context.Background(), envelope.Text("ear", "brain", "hi")))

	mouth.quiet(t, 200*time.Millisecond)
	assert.Equal(t, 2, llm.chatCount())
}

func TestBrain_ImageGreeting(t *testing.T) {
	c := newCluster(t)
	mouth := c.sink("mouth")
	llm := &fakeLLM{}
	bn := c.node("brain")
	brain := NewBrain(bn, llm, BrainConfig{Models: testModels(), History: 10}, testLogger())
	c.run(brain, bn)

	eye := c.sink("eye")
	require.NoError(t, eye.SendEnvelope(context.Background(), envelope.Image("eye", "brain", "AAAA", "jpeg", "Ada")))

	assert.Equal(t, "Hello there!", mouth.next(t).Text())

	llm.mu.Lock()
	defer llm.mu.Unlock()
	require.Len(t, llm.generates, 2)
	assert.Equal(t, []string{"AAAA"}, llm.generates[0].images)
	assert.Equal(t, "image-model", llm.generates[0].model)
	assert.Contains(t, llm.generates[1].prompt, "Ada")
	assert.Contains(t, llm.generates[1].prompt, "smiling, waving")
	assert.Contains(t, llm.generates[1].prompt, "Greet them")
}

func TestBrain_HistoryIsBounded(t *testing.T) {
	b := &Brain{cfg: BrainConfig{History: 3}}
	for i := 0; i < 5; i++ {
		b.remember(Message{Role: "user", Content: string(rune('a' + i))})
	}

	hist := b.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "c", hist[0].Content)
	assert.Equal(t, "e", hist[2].Content)
}

func TestEar_ForwardsEachUtterance(t *testing.T) {
	c := newCluster(t)
	brain := c.sink("brain")
	en := c.node("ear")
	tr := NewLineTranscriber(strings.NewReader("hello\n\n   \nhow are you\n"))
	c.run(NewEar(en, tr, EarConfig{}, testLogger()), en)

	assert.Equal(t, "hello", brain.next(t).Text())
	assert.Equal(t, "how are you", brain.next(t).Text())
	brain.quiet(t, 100*time.Millisecond)
}

type flakyTranscriber struct {
	calls atomic.Int32
}

func (f *flakyTranscriber) Listen(ctx context.Context) (string, error) {
	switch f.calls.Add(1) {
	case 1:
		return "", errors.New("microphone busy")
	case 2:
		return "recovered", nil
	default:
		<-ctx.Done()
		return "", ctx.Err()
	}
}

func TestEar_RetriesAfterTranscriberError(t *testing.T) {
	c := newCluster(t)
	brain := c.sink("brain")
	en := c.node("ear")
	tr := &flakyTranscriber{}
	c.run(NewEar(en, tr, EarConfig{RetryDelay: 10 * time.Millisecond}, testLogger()), en)

	assert.Equal(t, "recovered", brain.next(t).Text())
}

func TestEar_StopEndsBlockedListen(t *testing.T) {
	c := newCluster(t)
	en := c.node("ear")
	ear := NewEar(en, &flakyTranscriber{}, EarConfig{}, testLogger())
	require.NoError(t, ear.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ear.Stop(ctx))
	assert.NoError(t, ctx.Err(), "stop should not wait for the deadline")
}

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) Capture(ctx context.Context) (Frame, error) {
	s.calls.Add(1)
	return Frame{Data: []byte("jpeg-bytes"), Format: "jpeg", PersonName: "Grace"}, nil
}

func TestEye_SendsAtMostOnePerInterval(t *testing.T) {
	c := newCluster(t)
	brain := c.sink("brain")
	yn := c.node("eye")
	src := &countingSource{}
	c.run(NewEye(yn, src, EyeConfig{AnalysisInterval: time.Hour, CaptureEvery: 5 * time.Millisecond}, testLogger()), yn)

	img := brain.next(t)
	assert.Equal(t, envelope.TypeImage, img.Type)
	assert.Equal(t, "anBlZy1ieXRlcw==", img.String("image_data"))
	assert.Equal(t, "Grace", img.String("person_name"))

	require.Eventually(t, func() bool { return src.calls.Load() > 5 }, 2*time.Second, 5*time.Millisecond)
	brain.quiet(t, 50*time.Millisecond)
}

func TestFileFrameSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.JPG")
	_, err := FileFrameSource{Path: path}.Capture(context.Background())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8}, 0o644))
	f, err := FileFrameSource{Path: path}.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", f.Format)
	assert.Equal(t, []byte{0xff, 0xd8}, f.Data)
}

func TestMouth_SpeaksPlainText(t *testing.T) {
	c := newCluster(t)
	speaker := &recordingSpeaker{}
	mn := c.node("mouth")
	c.run(NewMouth(mn, speaker, MouthConfig{QueueSize: 4}, testLogger()), mn)

	brain := c.sink("brain")
	require.NoError(t, brain.SendEnvelope(context.Background(), envelope.Text("brain", "mouth", "**Hello** _there_, [friend](http://x)!")))

	require.Eventually(t, func() bool { return len(speaker.lines()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hello there, friend!", speaker.lines()[0])
}

func TestMouth_StopDrainsQueue(t *testing.T) {
	c := newCluster(t)
	speaker := &recordingSpeaker{delay: 20 * time.Millisecond}
	mn := c.node("mouth")
	mouth := NewMouth(mn, speaker, MouthConfig{QueueSize: 8}, testLogger())
	require.NoError(t, mouth.Start(context.Background()))

	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, mouth.handleText(context.Background(), envelope.Text("brain", "mouth", s)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, mouth.Stop(ctx))
	assert.Equal(t, []string{"one", "two", "three"}, speaker.lines())

	err := mouth.handleText(context.Background(), envelope.Text("brain", "mouth", "late"))
	assert.Error(t, err)
}

func TestMouth_QueueFull(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	c := newCluster(t)
	mn := c.node("mouth")
	mouth := NewMouth(mn, blockingSpeaker(block), MouthConfig{QueueSize: 1}, testLogger())
	require.NoError(t, mouth.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mouth.Stop(ctx)
	})

	ctx := context.Background()
	// first is taken by the worker, second fills the queue
	require.NoError(t, mouth.handleText(ctx, envelope.Text("brain", "mouth", "a")))
	require.Eventually(t, func() bool { return len(mouth.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, mouth.handleText(ctx, envelope.Text("brain", "mouth", "b")))

	err := mouth.handleText(ctx, envelope.Text("brain", "mouth", "c"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

type blockingSpeaker chan struct{}

func (b blockingSpeaker) Speak(ctx context.Context, _ string) error {
	select {
	case <-b:
	case <-ctx.Done():
	}
	return nil
}
