// Package logkeep is the process-wide leveled logger: a bounded
// ring buffer mirrored to stdout/stderr via zap, tagged with the server key
// each call passes, and periodically (and eagerly) flushed to Storage.
package logkeep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/storage"
)

// Level orders severities DEBUG<INFO<WARN<ERROR.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	default:
		return "error"
	}
}

// MaxLogEntries bounds the in-memory ring buffer.
const MaxLogEntries = 2000

// Entry is one ring-buffer record.
type Entry struct {
	TimestampISO string         `json:"timestampIso"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
	ServerKey    string         `json:"serverKey,omitempty"`
}

// Logger is the process-wide ring-buffer logger. The zero value is not
// usable; create with New.
type Logger struct {
	zap *zap.Logger

	mu      sync.Mutex
	ring    []Entry
	ringPos int
	full    bool

	store *storage.Store
}

// New constructs a Logger, loading any pre-existing legacy ring from store
// first so restart does not overwrite log history with an empty buffer.
func New(ctx context.Context, zl *zap.Logger, store *storage.Store) *Logger {
	l := &Logger{
		zap:   zl.Named("logkeep"),
		ring:  make([]Entry, MaxLogEntries),
		store: store,
	}
	var legacy []Entry
	if found, err := store.Get(ctx, storage.KeyLegacyLogs, &legacy); err == nil && found {
		for _, e := range legacy {
			l.appendLocked(e)
		}
	}
	return l
}

func (l *Logger) appendLocked(e Entry) {
	l.ring[l.ringPos] = e
	l.ringPos = (l.ringPos + 1) % MaxLogEntries
	if l.ringPos == 0 {
		l.full = true
	}
}

// log appends an entry and mirrors it to the underlying zap logger.
func (l *Logger) log(level Level, serverKey domain.ServerKey, msg string, data map[string]any) {
	e := Entry{
		TimestampISO: time.Now().UTC().Format(time.RFC3339Nano),
		Level:        level.String(),
		Message:      msg,
		Data:         data,
		ServerKey:    string(serverKey),
	}

	l.mu.Lock()
	l.appendLocked(e)
	l.mu.Unlock()

	fields := []zap.Field{zap.String("server_key", string(serverKey))}
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case Debug:
		l.zap.Debug(msg, fields...)
	case Info:
		l.zap.Info(msg, fields...)
	case Warn:
		l.zap.Warn(msg, fields...)
	default:
		l.zap.Error(msg, fields...)
	}
}

func (l *Logger) Debug(sk domain.ServerKey, msg string, data map[string]any) {
	l.log(Debug, sk, msg, data)
}
func (l *Logger) Info(sk domain.ServerKey, msg string, data map[string]any) {
	l.log(Info, sk, msg, data)
}
func (l *Logger) Warn(sk domain.ServerKey, msg string, data map[string]any) {
	l.log(Warn, sk, msg, data)
}
func (l *Logger) Error(sk domain.ServerKey, msg string, data map[string]any) {
	l.log(Error, sk, msg, data)
}

// snapshot returns a copy of the ring buffer in chronological order.
func (l *Logger) snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Entry, l.ringPos)
		copy(out, l.ring[:l.ringPos])
		return out
	}
	out := make([]Entry, MaxLogEntries)
	copy(out, l.ring[l.ringPos:])
	copy(out[MaxLogEntries-l.ringPos:], l.ring[:l.ringPos])
	return out
}

// Flush snapshots the ring buffer (tolerating concurrent mutation) and
// writes it to the legacy key plus per-server slices grouped by
// ServerKey tag.
func (l *Logger) Flush(ctx context.Context) error {
	snap := l.snapshot()

	if err := l.store.Set(ctx, storage.KeyLegacyLogs, snap); err != nil {
		return err
	}

	bySrv := make(map[string][]Entry)
	for _, e := range snap {
		if e.ServerKey == "" {
			continue
		}
		bySrv[e.ServerKey] = append(bySrv[e.ServerKey], e)
	}
	for sk, entries := range bySrv {
		if err := l.store.Set(ctx, storage.LogsKey(sk), entries); err != nil {
			return err
		}
	}
	return nil
}

// StartPeriodicFlush flushes every 30s until ctx is cancelled.
func (l *Logger) StartPeriodicFlush(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Flush(ctx); err != nil {
					l.zap.Warn("periodic log flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Core exposes the underlying zap core, so callers that build their own
// *zap.Logger can share its output sinks. Entries written through it do
// not enter the ring buffer and are not flushed to Storage.
func (l *Logger) Core() zapcore.Core { return l.zap.Core() }
