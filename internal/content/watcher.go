// Package content feeds study material from a text file into the session.
//
// A [Watcher] polls one file. The first version that is long enough opens a
// session with it; every later change replaces the session context, which
// reconnects and announces the new material.
package content

import (
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Target receives content updates. session.Controller satisfies it.
type Target interface {
	Connect(ctx context.Context, name, text string) error
	ReplaceContext(ctx context.Context, name, text string) error
}

// Option configures a [Watcher].
type Option func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMinLength sets how many characters the material needs before a
// session is opened for it. The default is 50.
func WithMinLength(n int) Option {
	return func(w *Watcher) {
		if n >= 0 {
			w.minLength = n
		}
	}
}

// Watcher polls a content file. Create it with [New] and call [Watcher.Run].
type Watcher struct {
	path      string
	name      string
	target    Target
	interval  time.Duration
	minLength int

	// Owned by Run.
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	delivered bool
	statErr   bool
}

// New creates a Watcher for path. The file base name is used as the content
// name.
func New(path string, target Target, opts ...Option) *Watcher {
	w := &Watcher{
		path:      path,
		name:      filepath.Base(path),
		target:    target,
		interval:  2 * time.Second,
		minLength: 50,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run checks the file immediately and then on every tick until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		if !w.statErr {
			level := slog.LevelWarn
			if errors.Is(err, fs.ErrNotExist) {
				level = slog.LevelInfo
			}
			slog.Log(ctx, level, "content watcher: cannot stat file", "path", w.path, "err", err)
			w.statErr = true
		}
		return
	}
	w.statErr = false

	// Quick mtime check first to avoid hashing unchanged files.
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("content watcher: read failed", "path", w.path, "err", err)
		return
	}
	// Failed deliveries leave the remembered state alone so the next poll
	// retries them.
	hash := sha256.Sum256(data)
	remember := func() {
		w.lastMtime = info.ModTime()
		w.lastHash = hash
	}
	if hash == w.lastHash {
		w.lastMtime = info.ModTime()
		return
	}
	text := strings.TrimSpace(string(data))

	if !w.delivered {
		if n := utf8.RuneCountInString(text); n < w.minLength {
			slog.Info("content watcher: material too short to start a session", "path", w.path, "chars", n, "min", w.minLength)
			remember()
			return
		}
		if err := w.target.Connect(ctx, w.name, text); err != nil {
			slog.Warn("content watcher: connect failed", "err", err)
			return
		}
		slog.Info("content watcher: material loaded", "name", w.name)
		remember()
		w.delivered = true
		return
	}

	if text == "" {
		slog.Warn("content watcher: ignoring empty material", "path", w.path)
		remember()
		return
	}
	if err := w.target.ReplaceContext(ctx, w.name, text); err != nil {
		slog.Warn("content watcher: replace failed", "err", err)
		return
	}
	slog.Info("content watcher: material replaced", "name", w.name)
	remember()
}
