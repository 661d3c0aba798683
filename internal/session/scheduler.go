package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kikitori/kikitori/internal/observe"
	"github.com/kikitori/kikitori/internal/resilience"
	"github.com/kikitori/kikitori/pkg/audio"
	"github.com/kikitori/kikitori/pkg/provider/normalizer"
	"github.com/kikitori/kikitori/pkg/provider/transcriber"
	"github.com/kikitori/kikitori/pkg/provider/translator"
)

// Progress steps reported to the client while a stage runs.
const (
	StepDecoding     = "decoding"
	StepTranscribing = "transcribing"
	StepNormalizing  = "normalizing"
	StepTranslating  = "translating"
)

// Stage names used in error events and metrics.
const (
	StageTranscribe = "transcribe"
	StageNormalize  = "normalize"
	StageTranslate  = "translate"
)

// Performance carries wall-clock timings for the stages that produced an
// update. Zero stage fields mean the stage did not run for this event.
type Performance struct {
	TranscriptionMs int64   `json:"transcriptionMs,omitempty"`
	NormalizationMs int64   `json:"normalizationMs,omitempty"`
	TranslationMs   int64   `json:"translationMs,omitempty"`
	TotalMs         int64   `json:"totalMs"`
	AudioSec        float64 `json:"audioSec"`
}

// UpdateEvent is emitted after every transcription pass and after every
// post-processing stage completion.
type UpdateEvent struct {
	Confirmed    string
	Tentative    string
	NewConfirmed string
	Normalized   string
	Translated   string
	Revised      bool
	Performance  Performance
}

// Stats summarises a finished session.
type Stats struct {
	ChunksReceived int     `json:"chunksReceived"`
	AudioSeconds   float64 `json:"audioSeconds"`
	Passes         int     `json:"passes"`
	ConfirmedChars int     `json:"confirmedChars"`
	Revisions      int     `json:"revisions"`
	DurationMs     int64   `json:"durationMs"`
}

// EndEvent is the finalization result.
type EndEvent struct {
	FinalText  string
	Normalized string
	Translated string
	TimedOut   bool
	Stats      Stats
}

// AccumulatingEvent reports one appended chunk that did not start a pass.
type AccumulatingEvent struct {
	ChunkID        int
	Buffered       time.Duration
	SessionElapsed time.Duration
	UntilNext      int
}

// Events receives pipeline output. Implementations are called from
// pipeline goroutines and must be safe for concurrent use; the server
// binds one to each connection and serialises the writes itself.
type Events interface {
	OnAccumulating(a AccumulatingEvent)
	OnProgress(step string)
	OnUpdate(u UpdateEvent)
	OnStageError(stage string, err error)
}

// PipelineConfig wires a Pipeline. Transcriber and Events are required;
// nil Normalizer or Translator disables that stage.
type PipelineConfig struct {
	Transcriber transcriber.Provider
	Normalizer  normalizer.Provider
	Translator  translator.Provider
	Events      Events
	Metrics     *observe.Metrics

	Language string
	BeamSize int

	// Interval is the minimum number of appended chunks between passes.
	Interval int

	// MinAudio is the minimum buffered audio before the first pass.
	MinAudio time.Duration

	// MaxAudio and Overlap bound the cumulative buffer.
	MaxAudio time.Duration
	Overlap  time.Duration

	// PromptChars caps the initial-prompt length in runes.
	PromptChars int
}

// Pipeline drives one session: it owns the buffer and differ, schedules
// cumulative transcription passes, and fans newly confirmed text out to
// the post-processing stages.
//
// Scheduling rules: a pass starts when at least Interval chunks arrived
// since the last pass, at least MinAudio is buffered, and no pass is in
// flight. Appends during a pass coalesce into at most one follow-up pass.
// Each post-processing stage is single-flight over the newly confirmed
// deltas; deltas arriving during a run queue up and are processed in one
// batch, and stage outputs accumulate across the session.
type Pipeline struct {
	cfg     PipelineConfig
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events Events
	buf    *Buffer
	diff   *Differ

	chunksSincePass int
	inFlight        bool
	pending         bool
	ended           bool
	lastAudioSec    float64

	normOn  bool
	transOn bool

	normRunning  bool
	normPending  string
	normalized   string
	transRunning bool
	transPending string
	translated   string

	passes    int
	updateSeq uint64
	createdAt time.Time

	passWG  sync.WaitGroup
	stageWG sync.WaitGroup
}

// NewPipeline creates a Pipeline. The pipeline's internal context is
// detached from the caller; Close cancels it.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Interval <= 0 {
		cfg.Interval = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		events:    cfg.Events,
		buf:       NewBuffer(cfg.MaxAudio, cfg.Overlap, cfg.PromptChars),
		diff:      &Differ{},
		createdAt: time.Now(),
		normOn:    cfg.Normalizer != nil,
		transOn:   cfg.Translator != nil,
	}
}

// SetOptions applies the per-session processing toggles. A nil value leaves
// that toggle unchanged, so repeated options messages only override what
// they name. Takes effect from the next pass.
func (p *Pipeline) SetOptions(hiragana, translation *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hiragana != nil {
		p.normOn = *hiragana && p.cfg.Normalizer != nil
	}
	if translation != nil {
		p.transOn = *translation && p.cfg.Translator != nil
	}
}

// SetEvents rebinds the event sink, used when a client reattaches to an
// existing session over a new connection.
func (p *Pipeline) SetEvents(e Events) {
	p.mu.Lock()
	p.events = e
	p.mu.Unlock()
}

// ReplaceEvents swaps the sink to next only while it still is old. A torn
// down connection uses this so its deferred detach cannot clobber a sink
// installed by a resume that raced ahead of it.
func (p *Pipeline) ReplaceEvents(old, next Events) {
	p.mu.Lock()
	if p.events == old {
		p.events = next
	}
	p.mu.Unlock()
}

// NextUpdateSeq returns the next transcript sequence number. The counter
// lives on the pipeline so a session resumed over a new connection
// continues its numbering instead of restarting at 1.
func (p *Pipeline) NextUpdateSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateSeq++
	return p.updateSeq
}

func (p *Pipeline) sink() Events {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

// Ingest appends one decoded chunk and applies the trigger rule. Chunks
// that do not start a pass are acknowledged with an accumulating event.
func (p *Pipeline) Ingest(pcm []byte) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.buf.Append(pcm)
	p.chunksSincePass++
	p.metrics.RecordChunk(p.ctx)

	acc := AccumulatingEvent{
		ChunkID:        p.buf.ReceivedChunks(),
		Buffered:       p.buf.Duration(),
		SessionElapsed: time.Since(p.createdAt),
		UntilNext:      max(p.cfg.Interval-p.chunksSincePass, 0),
	}
	due := acc.Buffered >= p.cfg.MinAudio && p.chunksSincePass >= p.cfg.Interval
	if due && !p.inFlight {
		p.startPassLocked()
		p.mu.Unlock()
		return
	}
	if due {
		p.pending = true
	}
	events := p.events
	p.mu.Unlock()
	events.OnAccumulating(acc)
}

// startPassLocked snapshots the buffer and launches one transcription
// pass. Caller holds p.mu.
func (p *Pipeline) startPassLocked() {
	p.inFlight = true
	p.chunksSincePass = 0
	pcm := p.buf.Snapshot()
	prompt := p.buf.InitialPrompt(p.diff.Confirmed())
	p.lastAudioSec = audio.Duration(pcm).Seconds()
	p.passWG.Add(1)
	go p.runPass(pcm, prompt)
}

// runPass performs one cumulative transcription pass and folds the result
// through the differ. Inference runs without the session lock.
func (p *Pipeline) runPass(pcm []byte, prompt string) {
	defer p.passWG.Done()

	p.sink().OnProgress(StepTranscribing)
	start := time.Now()
	res, err := p.cfg.Transcriber.Transcribe(p.ctx, transcriber.Request{
		PCM:           pcm,
		SampleRate:    16000,
		Language:      p.cfg.Language,
		InitialPrompt: prompt,
		BeamSize:      p.cfg.BeamSize,
	})
	elapsed := time.Since(start)
	p.metrics.RecordTranscription(p.ctx, elapsed.Seconds(), err)

	p.mu.Lock()
	p.inFlight = false
	p.passes++

	if err != nil {
		p.restartIfPendingLocked()
		events := p.events
		p.mu.Unlock()
		events.OnStageError(StageTranscribe, err)
		return
	}

	diff := p.diff.Update(strings.TrimSpace(res.Text))
	if diff.Revised {
		p.metrics.RecordRevision(p.ctx)
	}
	if diff.NewConfirmed != "" {
		p.scheduleStagesLocked(diff.NewConfirmed)
	}
	p.restartIfPendingLocked()
	events := p.events
	normalized, translated := p.normalized, p.translated
	audioSec := p.lastAudioSec
	p.mu.Unlock()

	events.OnUpdate(UpdateEvent{
		Confirmed:    diff.Confirmed,
		Tentative:    diff.Tentative,
		NewConfirmed: diff.NewConfirmed,
		Normalized:   normalized,
		Translated:   translated,
		Revised:      diff.Revised,
		Performance: Performance{
			TranscriptionMs: elapsed.Milliseconds(),
			TotalMs:         elapsed.Milliseconds(),
			AudioSec:        audioSec,
		},
	})
}

// restartIfPendingLocked launches the coalesced follow-up pass if one was
// requested while the previous pass ran. Caller holds p.mu.
func (p *Pipeline) restartIfPendingLocked() {
	if p.pending && !p.ended {
		p.pending = false
		p.startPassLocked()
	}
}

// scheduleStagesLocked queues the newly confirmed delta for the
// post-processing stages. Deltas queued while a stage runs concatenate,
// so a slow backend processes the backlog in one call instead of once
// per pass. Caller holds p.mu.
func (p *Pipeline) scheduleStagesLocked(delta string) {
	if p.normOn {
		p.normPending += delta
		if !p.normRunning {
			p.normRunning = true
			p.stageWG.Add(1)
			go p.normalizeLoop()
		}
	}
	if p.transOn {
		p.transPending += delta
		if !p.transRunning {
			p.transRunning = true
			p.stageWG.Add(1)
			go p.translateLoop()
		}
	}
}

// normalizeLoop drains queued normalization deltas and appends each
// result to the accumulated hiragana text. On failure the delta is
// requeued so the next confirmed growth retries it.
func (p *Pipeline) normalizeLoop() {
	defer p.stageWG.Done()
	for {
		p.mu.Lock()
		text := p.normPending
		p.normPending = ""
		if text == "" {
			p.normRunning = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.sink().OnProgress(StepNormalizing)
		start := time.Now()
		out, err := p.cfg.Normalizer.Normalize(p.ctx, text)
		p.metrics.RecordNormalization(p.ctx, time.Since(start).Seconds(), err)
		if err != nil {
			p.mu.Lock()
			p.normPending = text + p.normPending
			p.normRunning = false
			p.mu.Unlock()
			p.sink().OnStageError(StageNormalize, err)
			return
		}

		p.mu.Lock()
		p.normalized += out
		normalized := p.normalized
		confirmed := p.diff.Confirmed()
		tentative := p.diff.Tentative()
		translated := p.translated
		events := p.events
		audioSec := p.lastAudioSec
		p.mu.Unlock()

		ms := time.Since(start).Milliseconds()
		events.OnUpdate(UpdateEvent{
			Confirmed:  confirmed,
			Tentative:  tentative,
			Normalized: normalized,
			Translated: translated,
			Performance: Performance{
				NormalizationMs: ms,
				TotalMs:         ms,
				AudioSec:        audioSec,
			},
		})
	}
}

// translateLoop drains queued translation deltas and appends each result
// to the accumulated English text. Each call is retried on the fixed
// translation backoff schedule; when the retries are exhausted the delta
// is requeued so the next confirmed growth retries it.
func (p *Pipeline) translateLoop() {
	defer p.stageWG.Done()
	for {
		p.mu.Lock()
		text := p.transPending
		p.transPending = ""
		if text == "" {
			p.transRunning = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.sink().OnProgress(StepTranslating)
		start := time.Now()
		var out string
		err := resilience.Retry(p.ctx, StageTranslate, resilience.TranslateSchedule, func(ctx context.Context) error {
			var terr error
			out, terr = p.cfg.Translator.Translate(ctx, text)
			return terr
		})
		p.metrics.RecordTranslation(p.ctx, time.Since(start).Seconds(), err)
		if err != nil {
			p.mu.Lock()
			p.transPending = text + p.transPending
			p.transRunning = false
			p.mu.Unlock()
			p.sink().OnStageError(StageTranslate, err)
			return
		}

		p.mu.Lock()
		if p.translated != "" {
			p.translated += " "
		}
		p.translated += out
		translated := p.translated
		confirmed := p.diff.Confirmed()
		tentative := p.diff.Tentative()
		normalized := p.normalized
		events := p.events
		audioSec := p.lastAudioSec
		p.mu.Unlock()

		ms := time.Since(start).Milliseconds()
		events.OnUpdate(UpdateEvent{
			Confirmed:  confirmed,
			Tentative:  tentative,
			Normalized: normalized,
			Translated: translated,
			Performance: Performance{
				TranslationMs: ms,
				TotalMs:       ms,
				AudioSec:      audioSec,
			},
		})
	}
}

// Finalize runs the end-of-stream sequence under ctx's deadline: wait for
// the in-flight pass, transcribe the full buffer once more, promote the
// remaining tentative text, and run full-text post-processing. When ctx
// expires first, the returned event carries whatever completed and
// TimedOut set.
func (p *Pipeline) Finalize(ctx context.Context) EndEvent {
	p.mu.Lock()
	if p.ended {
		ev := p.endEventLocked(false)
		p.mu.Unlock()
		return ev
	}
	p.ended = true
	p.pending = false
	p.mu.Unlock()

	done := make(chan EndEvent, 1)
	go func() { done <- p.finalize(ctx) }()

	select {
	case ev := <-done:
		return ev
	case <-ctx.Done():
		slog.Warn("finalization deadline exceeded, returning partial result")
		p.mu.Lock()
		// Promote without a final pass; the background goroutine's late
		// result is discarded.
		p.diff.Finalize("")
		ev := p.endEventLocked(true)
		p.mu.Unlock()
		return ev
	}
}

func (p *Pipeline) finalize(ctx context.Context) EndEvent {
	p.passWG.Wait()

	p.mu.Lock()
	pcm := p.buf.Snapshot()
	prompt := p.buf.InitialPrompt(p.diff.Confirmed())
	p.mu.Unlock()

	var finalText string
	if len(pcm) > 0 {
		p.sink().OnProgress(StepTranscribing)
		start := time.Now()
		res, err := p.cfg.Transcriber.Transcribe(ctx, transcriber.Request{
			PCM:           pcm,
			SampleRate:    16000,
			Language:      p.cfg.Language,
			InitialPrompt: prompt,
			BeamSize:      p.cfg.BeamSize,
		})
		p.metrics.RecordTranscription(p.ctx, time.Since(start).Seconds(), err)
		if err != nil {
			slog.Warn("final transcription pass failed, promoting tentative text", "err", err)
		} else {
			finalText = strings.TrimSpace(res.Text)
		}
	}

	p.mu.Lock()
	transcript := p.diff.Finalize(finalText)
	p.normPending = ""
	p.transPending = ""
	normOn, transOn := p.normOn, p.transOn
	p.mu.Unlock()
	p.stageWG.Wait()

	// Full-text post-processing over the final transcript.
	var normalized, translated string
	g, gctx := errgroup.WithContext(ctx)
	if normOn && transcript != "" {
		g.Go(func() error {
			p.sink().OnProgress(StepNormalizing)
			out, err := p.cfg.Normalizer.Normalize(gctx, transcript)
			if err != nil {
				p.sink().OnStageError(StageNormalize, err)
				return nil
			}
			normalized = out
			return nil
		})
	}
	if transOn && transcript != "" {
		g.Go(func() error {
			p.sink().OnProgress(StepTranslating)
			var out string
			err := resilience.Retry(gctx, StageTranslate, resilience.TranslateSchedule, func(ctx context.Context) error {
				var terr error
				out, terr = p.cfg.Translator.Translate(ctx, transcript)
				return terr
			})
			if err != nil {
				p.sink().OnStageError(StageTranslate, err)
				return nil
			}
			translated = out
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	if normalized != "" {
		p.normalized = normalized
	}
	if translated != "" {
		p.translated = translated
	}
	ev := p.endEventLocked(false)
	p.mu.Unlock()
	return ev
}

// endEventLocked assembles the EndEvent. Stage output accumulated before
// a toggle was switched off is withheld, matching what the client asked
// for at the end. Caller holds p.mu.
func (p *Pipeline) endEventLocked(timedOut bool) EndEvent {
	normalized, translated := p.normalized, p.translated
	if !p.normOn {
		normalized = ""
	}
	if !p.transOn {
		translated = ""
	}
	return EndEvent{
		FinalText:  p.diff.Confirmed(),
		Normalized: normalized,
		Translated: translated,
		TimedOut:   timedOut,
		Stats: Stats{
			ChunksReceived: p.buf.ReceivedChunks(),
			AudioSeconds:   p.buf.ReceivedDuration().Seconds(),
			Passes:         p.passes,
			ConfirmedChars: len([]rune(p.diff.Confirmed())),
			Revisions:      p.diff.Revisions(),
			DurationMs:     time.Since(p.createdAt).Milliseconds(),
		},
	}
}

// Close cancels the pipeline context and waits for all goroutines.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.ended = true
	p.pending = false
	p.normPending = ""
	p.transPending = ""
	p.mu.Unlock()

	p.cancel()
	p.passWG.Wait()
	p.stageWG.Wait()
}
