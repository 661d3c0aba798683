package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kikitori/kikitori/pkg/provider/transcriber"
	transcribermock "github.com/kikitori/kikitori/pkg/provider/transcriber/mock"
	translatormock "github.com/kikitori/kikitori/pkg/provider/translator/mock"
)

// eventRecorder captures pipeline events for inspection.
type eventRecorder struct {
	mu           sync.Mutex
	accumulating []AccumulatingEvent
	progress     []string
	updates      []UpdateEvent
	stageErrs    []string
}

func (r *eventRecorder) OnAccumulating(a AccumulatingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accumulating = append(r.accumulating, a)
}

func (r *eventRecorder) OnProgress(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, step)
}

func (r *eventRecorder) OnUpdate(u UpdateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *eventRecorder) OnStageError(stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stageErrs = append(r.stageErrs, fmt.Sprintf("%s: %v", stage, err))
}

func (r *eventRecorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *eventRecorder) lastUpdate() (UpdateEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return UpdateEvent{}, false
	}
	return r.updates[len(r.updates)-1], true
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(tr transcriber.Provider, rec *eventRecorder, mutate ...func(*PipelineConfig)) *Pipeline {
	cfg := PipelineConfig{
		Transcriber: tr,
		Events:      rec,
		Language:    "ja",
		BeamSize:    3,
		Interval:    1,
		MinAudio:    time.Second,
		MaxAudio:    30 * time.Second,
		Overlap:     5 * time.Second,
		PromptChars: 224,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewPipeline(cfg)
}

func TestPipeline_AccumulatesBelowMinAudio(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"無視。"}}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(0.5, 0))

	rec.mu.Lock()
	acc := append([]AccumulatingEvent(nil), rec.accumulating...)
	rec.mu.Unlock()
	if len(acc) != 1 {
		t.Fatalf("accumulating events = %d, want 1", len(acc))
	}
	if acc[0].ChunkID != 1 {
		t.Errorf("ChunkID = %d, want 1", acc[0].ChunkID)
	}
	if acc[0].Buffered != 500*time.Millisecond {
		t.Errorf("Buffered = %v, want 500ms", acc[0].Buffered)
	}
	if tr.CallCount() != 0 {
		t.Errorf("transcribe calls = %d, want 0 below min audio", tr.CallCount())
	}
}

func TestPipeline_PassRunsAtMinAudio(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"聞き取りのテストです。"}}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))

	waitFor(t, "update", func() bool { return rec.updateCount() > 0 })
	u, _ := rec.lastUpdate()
	if u.Confirmed != "聞き取りのテストです。" {
		t.Errorf("Confirmed = %q", u.Confirmed)
	}
	if u.Performance.TranscriptionMs < 0 {
		t.Errorf("TranscriptionMs = %d", u.Performance.TranscriptionMs)
	}
	if u.Performance.AudioSec != 1 {
		t.Errorf("AudioSec = %v, want 1", u.Performance.AudioSec)
	}

	req := tr.Calls()[0]
	if req.SampleRate != 16000 || req.Language != "ja" || req.BeamSize != 3 {
		t.Errorf("request = %+v", req)
	}
}

func TestPipeline_IntervalGatesPasses(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"間隔。"}}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Interval = 3
		c.MinAudio = 0
	})
	defer p.Close()

	p.Ingest(secondsOf(0.2, 0))
	p.Ingest(secondsOf(0.2, 0))
	if tr.CallCount() != 0 {
		t.Fatalf("pass started after %d chunks with interval 3", 2)
	}
	rec.mu.Lock()
	if n := len(rec.accumulating); n != 2 {
		t.Fatalf("accumulating events = %d, want 2", n)
	}
	if got := rec.accumulating[1].UntilNext; got != 1 {
		t.Errorf("UntilNext = %d, want 1", got)
	}
	rec.mu.Unlock()

	p.Ingest(secondsOf(0.2, 0))
	waitFor(t, "first pass", func() bool { return tr.CallCount() == 1 })
}

func TestPipeline_CoalescesWhileInFlight(t *testing.T) {
	tr := &transcribermock.Provider{
		Script:  []string{"一。", "一。二。"},
		Started: make(chan struct{}, 8),
		Release: make(chan struct{}),
	}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	<-tr.Started

	// Three appends while the pass is held must coalesce into one pending
	// follow-up pass.
	p.Ingest(secondsOf(1, 0))
	p.Ingest(secondsOf(1, 0))
	p.Ingest(secondsOf(1, 0))

	tr.Release <- struct{}{}
	<-tr.Started
	tr.Release <- struct{}{}

	waitFor(t, "both passes", func() bool { return rec.updateCount() >= 2 })
	if got := tr.CallCount(); got != 2 {
		t.Errorf("transcribe calls = %d, want 2 (coalesced)", got)
	}

	// The follow-up pass sees the full cumulative buffer.
	calls := tr.Calls()
	if len(calls[1].PCM) <= len(calls[0].PCM) {
		t.Error("follow-up pass did not include the newly appended audio")
	}
}

func TestPipeline_PromptFeedsConfirmedText(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"文脈です。", "文脈です。続き。"}}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "first update", func() bool { return rec.updateCount() >= 1 })

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "second pass", func() bool { return tr.CallCount() >= 2 })

	calls := tr.Calls()
	if calls[0].InitialPrompt != "" {
		t.Errorf("first prompt = %q, want empty", calls[0].InitialPrompt)
	}
	if calls[1].InitialPrompt != "文脈です。" {
		t.Errorf("second prompt = %q", calls[1].InitialPrompt)
	}
}

func TestPipeline_TranslatesConfirmedText(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"翻訳します。"}}
	tl := &translatormock.Provider{}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Translator = tl
	})
	defer p.Close()

	p.Ingest(secondsOf(1, 0))

	waitFor(t, "translated update", func() bool {
		u, ok := rec.lastUpdate()
		return ok && u.Translated != ""
	})
	u, _ := rec.lastUpdate()
	if u.Translated != "en:翻訳します。" {
		t.Errorf("Translated = %q", u.Translated)
	}
}

func TestPipeline_TranslatesOnlyNewConfirmedText(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"一。", "一。二。"}}
	tl := &translatormock.Provider{}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Translator = tl
	})
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "first translation", func() bool {
		u, ok := rec.lastUpdate()
		return ok && u.Translated == "en:一。"
	})

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "second translation", func() bool {
		u, ok := rec.lastUpdate()
		return ok && u.Translated == "en:一。 en:二。"
	})

	// Each pass hands the backend only the newly confirmed delta, never
	// the whole transcript again.
	calls := tl.Calls()
	if len(calls) != 2 || calls[0] != "一。" || calls[1] != "二。" {
		t.Errorf("translate calls = %q, want the two deltas", calls)
	}
}

func TestPipeline_TranslationRetriesThenSucceeds(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"再試行します。"}}
	tl := &translatormock.Provider{FailFirst: 1, Err: fmt.Errorf("rate limited")}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Translator = tl
	})
	defer p.Close()

	p.Ingest(secondsOf(1, 0))

	waitFor(t, "translated update", func() bool {
		u, ok := rec.lastUpdate()
		return ok && u.Translated != ""
	})
	u, _ := rec.lastUpdate()
	if u.Translated != "en:再試行します。" {
		t.Errorf("Translated = %q", u.Translated)
	}
	if got := len(tl.Calls()); got != 2 {
		t.Errorf("translate calls = %d, want 2 (one failure, one retry)", got)
	}
}

func TestPipeline_SetOptionsDisablesTranslation(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"翻訳なし。", "翻訳なし。"}}
	tl := &translatormock.Provider{}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Translator = tl
	})
	defer p.Close()

	off := false
	p.SetOptions(nil, &off)

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "update", func() bool { return rec.updateCount() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := p.Finalize(ctx)

	if ev.Translated != "" {
		t.Errorf("Translated = %q, want empty with translation disabled", ev.Translated)
	}
	if got := len(tl.Calls()); got != 0 {
		t.Errorf("translate calls = %d, want 0", got)
	}
}

func TestPipeline_TransientErrorReported(t *testing.T) {
	tr := &transcribermock.Provider{
		Script: []string{"回復。"},
		Errs:   map[int]error{0: fmt.Errorf("%w (%s)", transcriber.ErrTransient, "decode blip")},
	}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "stage error", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.stageErrs) == 1
	})

	// The next chunk triggers a fresh pass that succeeds.
	p.Ingest(secondsOf(1, 0))
	waitFor(t, "recovery update", func() bool { return rec.updateCount() >= 1 })
	u, _ := rec.lastUpdate()
	if u.Confirmed != "回復。" {
		t.Errorf("Confirmed = %q", u.Confirmed)
	}
}

func TestPipeline_FinalizeRunsFinalPass(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"途中", "途中です。最後まで。"}}
	tl := &translatormock.Provider{}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec, func(c *PipelineConfig) {
		c.Translator = tl
	})
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "tentative update", func() bool { return rec.updateCount() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := p.Finalize(ctx)

	if ev.FinalText != "途中です。最後まで。" {
		t.Errorf("FinalText = %q", ev.FinalText)
	}
	if ev.Translated != "en:途中です。最後まで。" {
		t.Errorf("Translated = %q", ev.Translated)
	}
	if ev.TimedOut {
		t.Error("finalization should not have timed out")
	}
	if ev.Stats.ChunksReceived != 1 || ev.Stats.Passes != 2 {
		t.Errorf("Stats = %+v", ev.Stats)
	}
}

func TestPipeline_FinalizeTimeoutPromotesTentative(t *testing.T) {
	tr := &transcribermock.Provider{
		Script:  []string{"ここまで聞こえ"},
		Started: make(chan struct{}, 8),
		Release: make(chan struct{}, 8),
	}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	<-tr.Started
	tr.Release <- struct{}{}
	waitFor(t, "tentative update", func() bool { return rec.updateCount() >= 1 })

	// Hold the final pass past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev := p.Finalize(ctx)

	if !ev.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if ev.FinalText != "ここまで聞こえ" {
		t.Errorf("FinalText = %q, want the promoted tentative text", ev.FinalText)
	}
}

func TestPipeline_IngestAfterFinalizeIgnored(t *testing.T) {
	tr := &transcribermock.Provider{Script: []string{"終了。"}}
	rec := &eventRecorder{}
	p := newTestPipeline(tr, rec)
	defer p.Close()

	p.Ingest(secondsOf(1, 0))
	waitFor(t, "update", func() bool { return rec.updateCount() >= 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Finalize(ctx)

	calls := tr.CallCount()
	p.Ingest(secondsOf(1, 0))
	time.Sleep(50 * time.Millisecond)
	if tr.CallCount() != calls {
		t.Error("ingest after finalize started a pass")
	}
}

func TestPipeline_CloseIsIdempotent(t *testing.T) {
	tr := &transcribermock.Provider{}
	p := newTestPipeline(tr, &eventRecorder{})
	p.Close()
	p.Close()
}

func TestPipeline_StageErrorDeadlineMapsToContext(t *testing.T) {
	err := fmt.Errorf("%w (%w)", transcriber.ErrTransient, context.DeadlineExceeded)
	if !errors.Is(err, transcriber.ErrTransient) || !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped stage errors must expose both sentinels")
	}
}
