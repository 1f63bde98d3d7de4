// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package present turns engine stimuli into presentation cues.
//
// The engine only knows engine.Presenter. This package provides the two
// audio variants behind it:
//
//   - ToneSink: each letter becomes a fixed pitch
//   - SpeechSink: each letter is spoken
//
// Both emit a Cue to a CueWriter. Renderers (the terminal UI, the WebSocket
// hub) implement CueWriter and decide how a cue is actually shown or played.
// Fanout delivers one stimulus to several presenters, and ForMode picks a
// variant from a configuration string.
//
// Thread Safety: every type in this package is safe for concurrent use.
package present

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownMode is returned by ForMode for an unrecognized audio mode.
	ErrUnknownMode = errors.New("unknown audio mode")

	// ErrNoPresenters is returned when creating a Fanout with no children.
	ErrNoPresenters = errors.New("at least one presenter is required")

	// ErrNilWriter is returned when a sink is created without a CueWriter.
	ErrNilWriter = errors.New("cue writer must not be nil")
)

// -----------------------------------------------------------------------------
// Cues
// -----------------------------------------------------------------------------

// CueKind identifies how a cue's letter is rendered.
type CueKind int

const (
	// CueSilent shows the position only.
	CueSilent CueKind = iota

	// CueTone plays a pitch for the letter.
	CueTone

	// CueSpeech speaks the letter.
	CueSpeech
)

// String returns the string representation of the cue kind.
func (k CueKind) String() string {
	switch k {
	case CueSilent:
		return "silent"
	case CueTone:
		return "tone"
	case CueSpeech:
		return "speech"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k CueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Cue is one rendered stimulus.
type Cue struct {
	Kind     CueKind `json:"kind"`
	Position int     `json:"position"`
	Letter   string  `json:"letter"`

	// FrequencyHz is set for CueTone.
	FrequencyHz float64 `json:"frequency_hz,omitempty"`

	// Duration is how long the tone or highlight lasts.
	Duration time.Duration `json:"duration_ns"`

	// Text and Language are set for CueSpeech.
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

// CueWriter receives cues. WriteCue must not block for long; renderers that
// need to do slow work should queue the cue.
type CueWriter interface {
	WriteCue(c Cue)
}

// CueWriterFunc adapts a function to CueWriter.
type CueWriterFunc func(c Cue)

// WriteCue implements CueWriter.
func (f CueWriterFunc) WriteCue(c Cue) {
	f(c)
}

// =============================================================================
// Tone
// =============================================================================

// Tone frequencies are equal-tempered semitones starting at middle C.
const (
	baseFrequencyHz = 261.63
	semitone        = 1.0 / 12.0

	// DefaultCueDuration is how long a cue lasts unless configured.
	DefaultCueDuration = 500 * time.Millisecond

	// DefaultLanguage is the speech language unless configured.
	DefaultLanguage = "en-US"
)

// ToneFrequency returns the pitch assigned to letter.
//
// Letters are mapped by their Alphabet index to ascending semitones from
// middle C. A letter outside the alphabet returns 0.
func ToneFrequency(letter rune) float64 {
	for i, l := range engine.Alphabet {
		if l == letter {
			return math.Round(baseFrequencyHz*math.Pow(2, float64(i)*semitone)*100) / 100
		}
	}
	return 0
}

// ToneSink presents each letter as a fixed pitch.
type ToneSink struct {
	out      CueWriter
	duration time.Duration
}

// NewToneSink creates a tone presenter writing to out.
//
// Inputs:
//   - out: Destination of the cues. Must not be nil.
//   - duration: Tone length. Zero or negative uses DefaultCueDuration.
//
// Outputs:
//   - *ToneSink: The presenter.
//   - error: ErrNilWriter if out is nil.
func NewToneSink(out CueWriter, duration time.Duration) (*ToneSink, error) {
	if out == nil {
		return nil, ErrNilWriter
	}
	if duration <= 0 {
		duration = DefaultCueDuration
	}
	return &ToneSink{out: out, duration: duration}, nil
}

// Present implements engine.Presenter.
func (t *ToneSink) Present(s engine.Stimulus) {
	t.out.WriteCue(Cue{
		Kind:        CueTone,
		Position:    s.Position,
		Letter:      string(s.Letter),
		FrequencyHz: ToneFrequency(s.Letter),
		Duration:    t.duration,
	})
}

// =============================================================================
// Speech
// =============================================================================

// SpeechSink presents each letter as spoken text.
type SpeechSink struct {
	out      CueWriter
	language string
	duration time.Duration
}

// NewSpeechSink creates a speech presenter writing to out.
//
// Inputs:
//   - out: Destination of the cues. Must not be nil.
//   - language: BCP 47 tag for the speech engine. Empty uses DefaultLanguage.
//   - duration: Highlight length. Zero or negative uses DefaultCueDuration.
//
// Outputs:
//   - *SpeechSink: The presenter.
//   - error: ErrNilWriter if out is nil.
func NewSpeechSink(out CueWriter, language string, duration time.Duration) (*SpeechSink, error) {
	if out == nil {
		return nil, ErrNilWriter
	}
	if language == "" {
		language = DefaultLanguage
	}
	if duration <= 0 {
		duration = DefaultCueDuration
	}
	return &SpeechSink{out: out, language: language, duration: duration}, nil
}

// Present implements engine.Presenter.
func (s *SpeechSink) Present(st engine.Stimulus) {
	s.out.WriteCue(Cue{
		Kind:     CueSpeech,
		Position: st.Position,
		Letter:   string(st.Letter),
		Duration: s.duration,
		Text:     strings.ToLower(string(st.Letter)),
		Language: s.language,
	})
}

// =============================================================================
// Silent
// =============================================================================

// SilentSink presents the position only.
type SilentSink struct {
	out      CueWriter
	duration time.Duration
}

// NewSilentSink creates a presenter without audio. A nil out discards
// everything.
func NewSilentSink(out CueWriter, duration time.Duration) *SilentSink {
	if duration <= 0 {
		duration = DefaultCueDuration
	}
	return &SilentSink{out: out, duration: duration}
}

// Present implements engine.Presenter.
func (s *SilentSink) Present(st engine.Stimulus) {
	if s.out == nil {
		return
	}
	s.out.WriteCue(Cue{
		Kind:     CueSilent,
		Position: st.Position,
		Letter:   string(st.Letter),
		Duration: s.duration,
	})
}

// =============================================================================
// Fanout
// =============================================================================

// Fanout delivers every stimulus to each child presenter in order.
//
// A panicking child is logged and skipped; the remaining children still
// receive the stimulus.
type Fanout struct {
	presenters []engine.Presenter
	logger     *slog.Logger
	failures   atomic.Int64
}

// NewFanout creates a fanout over presenters.
//
// Inputs:
//   - logger: Logger for child failures. Nil uses slog.Default().
//   - presenters: Children. Nil entries are dropped. At least one required.
//
// Outputs:
//   - *Fanout: The presenter.
//   - error: ErrNoPresenters if no non-nil presenter was given.
func NewFanout(logger *slog.Logger, presenters ...engine.Presenter) (*Fanout, error) {
	var kept []engine.Presenter
	for _, p := range presenters {
		if p != nil {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoPresenters
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		presenters: kept,
		logger:     logger.With(slog.String("component", "nback_present")),
	}, nil
}

// Present implements engine.Presenter.
func (f *Fanout) Present(s engine.Stimulus) {
	for i, p := range f.presenters {
		f.presentOne(i, p, s)
	}
}

// Failures returns how many child calls panicked.
func (f *Fanout) Failures() int64 {
	return f.failures.Load()
}

func (f *Fanout) presentOne(i int, p engine.Presenter, s engine.Stimulus) {
	defer func() {
		if r := recover(); r != nil {
			f.failures.Add(1)
			f.logger.Warn("presenter failed",
				slog.Int("index", i),
				slog.String("stimulus", s.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	p.Present(s)
}

// =============================================================================
// Mode selection
// =============================================================================

// Audio modes accepted by ForMode.
const (
	ModeTone   = "tone"
	ModeSpeech = "speech"
	ModeSilent = "silent"
)

// Options configures ForMode.
type Options struct {
	// Language for ModeSpeech.
	Language string

	// Duration of each cue.
	Duration time.Duration
}

// ForMode returns the presenter for an audio mode.
//
// Inputs:
//   - mode: ModeTone, ModeSpeech or ModeSilent. Case-insensitive.
//   - out: Destination of the cues. Must not be nil for tone and speech.
//   - opts: Variant options.
//
// Outputs:
//   - engine.Presenter: The presenter.
//   - error: ErrUnknownMode or ErrNilWriter.
func ForMode(mode string, out CueWriter, opts Options) (engine.Presenter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeTone, "":
		t, err := NewToneSink(out, opts.Duration)
		if err != nil {
			return nil, err
		}
		return t, nil
	case ModeSpeech:
		sp, err := NewSpeechSink(out, opts.Language, opts.Duration)
		if err != nil {
			return nil, err
		}
		return sp, nil
	case ModeSilent:
		return NewSilentSink(out, opts.Duration), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// =============================================================================
// Queue
// =============================================================================

// Queue is a CueWriter that buffers cues for a consumer goroutine.
//
// WriteCue never blocks: when the buffer is full the oldest cue is dropped,
// so a slow renderer always sees the most recent stimulus.
type Queue struct {
	mu      sync.Mutex
	ch      chan Cue
	closed  bool
	dropped atomic.Int64
}

// NewQueue creates a queue holding up to size cues. size < 1 means 1.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Cue, size)}
}

// WriteCue implements CueWriter.
func (q *Queue) WriteCue(c Cue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- c:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan Cue {
	return q.ch
}

// Dropped returns how many cues were discarded because the queue was full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close closes the queue. Later writes are discarded. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

var (
	_ engine.Presenter = (*ToneSink)(nil)
	_ engine.Presenter = (*SpeechSink)(nil)
	_ engine.Presenter = (*SilentSink)(nil)
	_ engine.Presenter = (*Fanout)(nil)
	_ CueWriter        = (*Queue)(nil)
)
