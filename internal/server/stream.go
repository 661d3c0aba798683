package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kikitori/kikitori/internal/archive"
	"github.com/kikitori/kikitori/internal/observe"
	"github.com/kikitori/kikitori/internal/session"
	"github.com/kikitori/kikitori/pkg/audio"
	"github.com/kikitori/kikitori/pkg/provider/transcriber"
)

// writeTimeout bounds a single WebSocket write. Pipeline goroutines write
// events with a detached context, so a stuck client cannot block a stage.
const writeTimeout = 10 * time.Second

// handleStream upgrades the connection and runs the streaming protocol
// until the client ends the session or goes away. The session is bound at
// accept time: the sessionId query parameter resumes an existing session,
// otherwise a fresh one is created, and the connected message goes out
// before any client frame is read. The language query parameter overrides
// the configured transcription language.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}

	c := &streamConn{
		srv:       s,
		conn:      conn,
		log:       observe.Logger(r.Context()),
		codec:     "pcm",
		converter: &audio.Converter{},
		language:  r.URL.Query().Get("language"),
	}
	c.run(r.Context(), r.URL.Query().Get("sessionId"))
}

// streamConn is the server side of one WebSocket streaming connection. It
// implements [session.Events] so the pipeline can push updates straight to
// the wire; writes are serialised through writeMu, which also owns the
// sequence counter for transcript updates.
type streamConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	sessionID string
	pipe      *session.Pipeline

	// Read-loop state, never touched from pipeline goroutines.
	sess     *session.Session
	ended    bool
	language string

	rawPCM    bool
	codec     string
	converter *audio.Converter
	wavConv   *audio.Converter
	opus      *audio.OpusDecoder
}

var _ session.Events = (*streamConn)(nil)

// noopEvents replaces the sink of a pipeline whose connection went away so
// an eventual resume does not race writes on a dead socket.
type noopEvents struct{}

func (noopEvents) OnAccumulating(session.AccumulatingEvent) {}
func (noopEvents) OnProgress(string)                        {}
func (noopEvents) OnUpdate(session.UpdateEvent)             {}
func (noopEvents) OnStageError(string, error)               {}

func (c *streamConn) run(ctx context.Context, resumeID string) {
	if resumeID != "" {
		sess, err := c.srv.deps.Registry.Get(resumeID)
		if err != nil {
			c.send(&ErrorMessage{Code: ErrCodeSessionNotFound, Message: "unknown session " + resumeID, Fatal: true})
			c.conn.Close(websocket.StatusPolicyViolation, "unknown session")
			return
		}
		c.bind(sess)
		sess.Pipeline.SetEvents(c)
		c.send(&ConnectedMessage{Resumed: true})
	} else {
		c.bind(c.createSession())
		c.send(&ConnectedMessage{})
	}

	defer func() {
		if !c.ended {
			// Abrupt disconnect. The session stays resumable until the
			// registry TTL reaps it; a resume may already have installed
			// its own sink, which must survive this teardown.
			c.sess.Pipeline.ReplaceEvents(c, noopEvents{})
			c.log.Info("connection lost, session kept for resume", "session_id", c.sess.ID)
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			if !c.handleControl(ctx, data) {
				return
			}
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

// handleControl processes one JSON text frame. It returns false when the
// connection should close.
func (c *streamConn) handleControl(ctx context.Context, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(&ErrorMessage{Code: ErrCodeProtocol, Message: "malformed JSON: " + err.Error(), Fatal: true})
		c.conn.Close(websocket.StatusProtocolError, "malformed message")
		return false
	}

	switch msg.Type {
	case "options":
		return c.applyOptions(msg)
	case "end":
		c.finish(ctx)
		return false
	default:
		c.send(&ErrorMessage{Code: ErrCodeProtocol, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		return true
	}
}

// applyOptions applies one options message. Options may arrive any time
// before end; each message only overrides the settings it names, so the
// last value wins per field.
func (c *streamConn) applyOptions(msg clientMessage) bool {
	if !c.configureDecode(msg) {
		return false
	}
	if msg.EnableSummary != nil && *msg.EnableSummary {
		c.log.Debug("summaries are not supported, ignoring enableSummary")
	}

	c.sess.Pipeline.SetOptions(msg.EnableHiragana, msg.EnableTranslation)
	c.sess.Touch()
	return true
}

// configureDecode updates the audio ingest settings named by msg, keeping
// the current values for absent fields.
func (c *streamConn) configureDecode(msg clientMessage) bool {
	if msg.Codec != "" && msg.Codec != c.codec {
		switch msg.Codec {
		case "pcm", "wav":
		case "opus":
			if c.opus == nil {
				dec, err := audio.NewOpusDecoder()
				if err != nil {
					c.send(&ErrorMessage{Code: ErrCodeDecode, Message: "opus decoder: " + err.Error(), Fatal: true})
					c.conn.Close(websocket.StatusInternalError, "opus unavailable")
					return false
				}
				c.opus = dec
			}
		default:
			c.send(&ErrorMessage{Code: ErrCodeProtocol, Message: fmt.Sprintf("unsupported codec %q", msg.Codec), Fatal: true})
			c.conn.Close(websocket.StatusProtocolError, "unsupported codec")
			return false
		}
		c.codec = msg.Codec
	}
	if msg.RawPCM != nil {
		c.rawPCM = *msg.RawPCM
	}
	if msg.SampleRate != 0 || msg.Channels != 0 {
		c.converter = &audio.Converter{Source: audio.Format{
			SampleRate: msg.SampleRate,
			Channels:   msg.Channels,
		}}
	}
	return true
}

// createSession builds a pipeline from the server configuration and
// registers it.
func (c *streamConn) createSession() *session.Session {
	cfg := c.srv.cfg

	language := c.language
	if language == "" {
		language = cfg.Transcriber.Language
	}

	pipe := session.NewPipeline(session.PipelineConfig{
		Transcriber: c.srv.deps.Transcriber,
		Normalizer:  c.srv.deps.Normalizer,
		Translator:  c.srv.deps.Translator,
		Events:      c,
		Metrics:     c.srv.deps.Metrics,
		Language:    language,
		BeamSize:    cfg.Transcriber.BeamSize,
		Interval:    cfg.Stream.TranscriptionInterval,
		MinAudio:    cfg.Stream.MinAudio(),
		MaxAudio:    cfg.Stream.MaxAudio(),
		Overlap:     cfg.Stream.Overlap(),
		PromptChars: cfg.Stream.PromptMaxChars,
	})
	return c.srv.deps.Registry.Create(pipe)
}

// bind attaches the connection to sess. The session ID and the pipeline
// (which owns the transcript sequence counter) are published under
// writeMu so concurrent event writes pick them up.
func (c *streamConn) bind(sess *session.Session) {
	c.sess = sess
	c.writeMu.Lock()
	c.sessionID = sess.ID
	c.pipe = sess.Pipeline
	c.writeMu.Unlock()
}

// handleAudio decodes one binary frame and feeds it to the pipeline.
func (c *streamConn) handleAudio(data []byte) {
	if c.ended {
		return
	}
	c.sess.Touch()

	pcm, err := c.decode(data)
	if err != nil {
		c.send(&ErrorMessage{Code: ErrCodeDecode, Message: err.Error()})
		return
	}
	if len(pcm) == 0 {
		return
	}
	c.sess.Pipeline.Ingest(pcm)
}

// decode converts one binary frame to canonical 16 kHz mono PCM. Raw PCM
// passes through the per-stream converter; WAV frames are sniffed unless
// the client declared rawPcm.
func (c *streamConn) decode(frame []byte) ([]byte, error) {
	switch {
	case c.codec == "opus":
		c.sendProgress(session.StepDecoding)
		return c.opus.Decode(frame)

	case !c.rawPCM && audio.IsWAV(frame):
		c.sendProgress(session.StepDecoding)
		pcm, format, err := audio.DecodeWAV(frame)
		if err != nil {
			return nil, err
		}
		if c.wavConv == nil || c.wavConv.Source != format {
			c.wavConv = &audio.Converter{Source: format}
		}
		return c.wavConv.Normalize(pcm)

	default:
		return c.converter.Normalize(frame)
	}
}

// finish runs finalization under the configured deadline, reports the
// result, archives it, and tears the session down.
func (c *streamConn) finish(ctx context.Context) {
	c.ended = true

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.srv.cfg.Stream.FinalizeTimeout())
	defer cancel()
	ev := c.sess.Pipeline.Finalize(fctx)

	if ev.TimedOut {
		c.send(&ErrorMessage{Code: ErrCodeTimeout, Message: "finalization deadline exceeded, returning partial result"})
	}
	c.send(&SessionEndMessage{
		IsFinal:       true,
		Transcription: TextPair{Confirmed: ev.FinalText},
		Hiragana:      textPair(ev.Normalized),
		Translation:   textPair(ev.Translated),
		Performance: EndPerformance{
			Performance: session.Performance{
				TotalMs:  ev.Stats.DurationMs,
				AudioSec: ev.Stats.AudioSeconds,
			},
			FinalizationTimedOut: ev.TimedOut,
		},
		Statistics: ev.Stats,
	})

	rec := archive.Record{
		SessionID:    c.sess.ID,
		StartedAt:    c.sess.CreatedAt,
		EndedAt:      time.Now(),
		FinalText:    ev.FinalText,
		Normalized:   ev.Normalized,
		Translated:   ev.Translated,
		TimedOut:     ev.TimedOut,
		AudioSeconds: ev.Stats.AudioSeconds,
		Passes:       int64(ev.Stats.Passes),
		Revisions:    int64(ev.Stats.Revisions),
	}
	actx, acancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer acancel()
	if err := c.srv.deps.Archive.Save(actx, rec); err != nil {
		c.log.Warn("transcript archival failed", "session_id", c.sess.ID, "err", err)
	}

	c.srv.deps.Registry.Destroy(c.sess.ID)
	c.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// textPair wraps a confirmed string, or nil when the stage produced nothing.
func textPair(confirmed string) *TextPair {
	if confirmed == "" {
		return nil
	}
	return &TextPair{Confirmed: confirmed}
}

// ---- session.Events ----

func (c *streamConn) OnAccumulating(a session.AccumulatingEvent) {
	c.send(&AccumulatingMessage{
		ChunkID:                      a.ChunkID,
		DurationSec:                  a.Buffered.Seconds(),
		SessionElapsedSec:            a.SessionElapsed.Seconds(),
		ChunksUntilNextTranscription: a.UntilNext,
	})
}

func (c *streamConn) OnProgress(step string) {
	c.sendProgress(step)
}

func (c *streamConn) sendProgress(step string) {
	c.send(&ProgressMessage{Step: step, Message: progressText(step)})
}

func (c *streamConn) OnUpdate(u session.UpdateEvent) {
	c.send(&UpdateMessage{
		Transcription: TextPair{Confirmed: u.Confirmed, Tentative: u.Tentative},
		Hiragana:      textPair(u.Normalized),
		Translation:   textPair(u.Translated),
		Performance:   u.Performance,
	})
}

func (c *streamConn) OnStageError(stage string, err error) {
	code := ErrCodeModelTransient
	fatal := false
	switch {
	case errors.Is(err, transcriber.ErrFatal):
		code = ErrCodeModelFatal
		fatal = true
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	}

	c.send(&ErrorMessage{Code: code, Message: fmt.Sprintf("%s: %v", stage, err), Fatal: fatal})
	if fatal {
		c.conn.Close(websocket.StatusInternalError, "unrecoverable model failure")
	}
}

// send serialises and writes one message. Transcript updates are stamped
// with the session's next sequence number under writeMu, so the numbering
// matches delivery order. Write failures are dropped; the read loop
// notices the dead connection on its own.
func (c *streamConn) send(msg serverMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	env := msg.envelope()
	env.Type = messageType(msg)
	env.SessionID = c.sessionID

	switch m := msg.(type) {
	case *UpdateMessage:
		m.Sequence = c.pipe.NextUpdateSeq()
	case *SessionEndMessage:
		m.Sequence = c.pipe.NextUpdateSeq()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("message encoding failed", "type", env.Type, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

// messageType maps a message value to its wire type tag.
func messageType(msg serverMessage) string {
	switch msg.(type) {
	case *ConnectedMessage:
		return "connected"
	case *AccumulatingMessage:
		return "accumulating"
	case *ProgressMessage:
		return "progress"
	case *UpdateMessage:
		return "transcription_update"
	case *ErrorMessage:
		return "error"
	case *SessionEndMessage:
		return "session_end"
	default:
		return "unknown"
	}
}
