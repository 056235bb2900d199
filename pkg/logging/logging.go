// Package logging builds the process logger: a text handler for the
// terminal, fanned out to an optional JSON log file and the systemd journal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// LevelTrace is below debug and logs model traffic.
const LevelTrace = slog.Level(-8)

// Options configures New.
type Options struct {
	// Level is one of trace, debug, info, warn or error.
	Level string
	// File, when set, receives JSON records.
	File string
	// Journal also sends records to the systemd journal.
	Journal bool
	// Writer receives text records. Defaults to stderr.
	Writer io.Writer
}

// ParseLevel parses a level name. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New builds a logger. The returned closer releases the log file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	text := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	handlers := []slog.Handler{text}
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}

	if opts.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			record := slog.NewRecord(time.Now(), slog.LevelWarn, "systemd journal unavailable", 0)
			record.Add("error", err)
			_ = text.Handle(context.Background(), record)
		} else {
			handlers = append(handlers, journal)
		}
	}

	if len(handlers) == 1 {
		return slog.New(text), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
