// Package audio spools the backend's base64 audio clips to disk so an
// external player (or a later session) can pick them up. Playback itself is
// out of scope.
package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/h2non/filetype"
	ftypes "github.com/h2non/filetype/types"

	"aeternum/internal/domain"
)

var (
	ErrEmptyClip = errors.New("audio: clip has no data")
	ErrDecode    = errors.New("audio: clip is not valid base64")
	ErrQueueFull = errors.New("audio: spool queue full, clip dropped")
)

const defaultQueueSize = 16

// filetypeMatchFunc is the matcher used to sniff clip contents. Package-level
// so tests can inject a failing matcher.
var filetypeMatchFunc func([]byte) (ftypes.Type, error) = filetype.Match

// writeFile is used to store clips; tests may replace it to force errors.
var writeFile = os.WriteFile

// Saved describes one spooled clip.
type Saved struct {
	Path     string
	MIME     string
	Bytes    int
	Declared string // format named by the backend
	Mismatch bool   // sniffed type disagrees with Declared
}

// Spool implements domain.AudioSink. PlayAudio only enqueues; Start writes.
type Spool struct {
	dir     string
	logger  *slog.Logger
	now     func() time.Time
	onSaved func(Saved)
	queue   chan domain.AudioClip
	seq     atomic.Uint64
}

// Option configures a Spool.
type Option func(*Spool)

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spool) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNow replaces the clock used in file names.
func WithNow(now func() time.Time) Option {
	return func(s *Spool) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnSaved is called after each clip is written.
func WithOnSaved(fn func(Saved)) Option {
	return func(s *Spool) { s.onSaved = fn }
}

// WithQueueSize bounds the number of clips waiting to be written.
func WithQueueSize(n int) Option {
	return func(s *Spool) {
		if n > 0 {
			s.queue = make(chan domain.AudioClip, n)
		}
	}
}

// NewSpool creates dir if needed and returns a spool writing into it.
func NewSpool(dir string, opts ...Option) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("audio: spool dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("audio: create spool dir: %w", err)
	}
	s := &Spool{
		dir:   dir,
		now:   time.Now,
		queue: make(chan domain.AudioClip, defaultQueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Spool) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// PlayAudio queues clip for writing. It never blocks; a full queue drops the clip.
func (s *Spool) PlayAudio(clip domain.AudioClip) {
	if err := s.Enqueue(clip); err != nil {
		s.log().Warn("audio: clip dropped", "format", clip.Format, "error", err)
	}
}

// Enqueue is PlayAudio with the drop reported to the caller.
func (s *Spool) Enqueue(clip domain.AudioClip) error {
	select {
	case s.queue <- clip:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start writes queued clips until ctx is canceled, then writes whatever is
// still queued.
func (s *Spool) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case clip := <-s.queue:
					s.save(clip)
				default:
					return
				}
			}
		case clip := <-s.queue:
			s.save(clip)
		}
	}
}

func (s *Spool) save(clip domain.AudioClip) {
	saved, err := s.Write(clip)
	if err != nil {
		s.log().Warn("audio: clip not spooled", "format", clip.Format, "error", err)
		return
	}
	if saved.Mismatch {
		s.log().Warn("audio: clip content does not match declared format",
			"declared", saved.Declared, "detected", saved.MIME, "path", saved.Path)
	} else {
		s.log().Debug("audio: clip spooled", "path", saved.Path, "bytes", saved.Bytes)
	}
	if s.onSaved != nil {
		s.onSaved(saved)
	}
}

// decode accepts plain base64 (padded or not) and data: URLs.
func decode(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ","); i >= 0 {
			data = data[i+1:]
		}
	}
	if data == "" {
		return nil, ErrEmptyClip
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyClip
	}
	return raw, nil
}

// Write decodes clip, sniffs its real type and stores it synchronously.
func (s *Spool) Write(clip domain.AudioClip) (Saved, error) {
	raw, err := decode(clip.Data)
	if err != nil {
		return Saved{}, err
	}
	declared := strings.ToLower(strings.TrimSpace(clip.Format))
	if declared == "" {
		declared = "wav"
	}

	kind, err := filetypeMatchFunc(raw)
	if err != nil {
		return Saved{}, fmt.Errorf("audio: filetype match error: %w", err)
	}
	ext, mime, mismatch := declared, "application/octet-stream", false
	if kind != filetype.Unknown {
		ext, mime = kind.Extension, kind.MIME.Value
		mismatch = !filetype.IsAudio(raw) || kind.Extension != declared
	}

	name := fmt.Sprintf("clip-%s-%04d.%s", s.now().UTC().Format("20060102T150405.000"), s.seq.Add(1), ext)
	path := filepath.Join(s.dir, name)
	if err := writeFile(path, raw, 0644); err != nil {
		return Saved{}, fmt.Errorf("audio: write clip: %w", err)
	}
	return Saved{Path: path, MIME: mime, Bytes: len(raw), Declared: declared, Mismatch: mismatch}, nil
}

var _ domain.AudioSink = (*Spool)(nil)
