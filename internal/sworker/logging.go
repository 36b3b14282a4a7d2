package sworker

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/natefinch/lumberjack.v2"

	"sworker/internal/buffers"
)

// LogEntry is one emitted log line as kept in the ring buffer and pushed to
// connected clients.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type broadcaster interface {
	Broadcast(msg []byte)
}

// logSink sits between zerolog and the real outputs. It enforces the runtime
// threshold, records entries in the ring buffer and fans them out to clients.
type logSink struct {
	out   zerolog.LevelWriter
	level atomic.Int32
	buf   *buffers.RingBuffer[LogEntry]
	hub   broadcaster
}

func newLogSink(out io.Writer, level zerolog.Level, capacity int, hub broadcaster) *logSink {
	lw, ok := out.(zerolog.LevelWriter)
	if !ok {
		lw = zerolog.MultiLevelWriter(out)
	}
	s := &logSink{
		out: lw,
		buf: buffers.NewRingBuffer[LogEntry](capacity),
		hub: hub,
	}
	s.SetLevel(level)
	return s
}

func (s *logSink) Level() zerolog.Level { return zerolog.Level(s.level.Load()) }

func (s *logSink) SetLevel(l zerolog.Level) { s.level.Store(int32(l)) }

func (s *logSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

func (s *logSink) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l != zerolog.NoLevel && l < s.Level() {
		return len(p), nil
	}
	_, err := s.out.WriteLevel(l, p)

	ent := parseLogLine(p, l)
	s.buf.WriteOne(ent)
	if s.hub != nil {
		if msg, merr := logEnvelope(ent); merr == nil {
			s.hub.Broadcast(msg)
		}
	}
	return len(p), err
}

// Entries returns the buffered log entries, oldest first.
func (s *logSink) Entries() []LogEntry { return s.buf.ReadAll() }

// Total counts every entry ever buffered, including evicted ones.
func (s *logSink) Total() int64 { return s.buf.TotalAdded() }

func (s *logSink) Clear() { s.buf.Clear() }

func parseLogLine(p []byte, l zerolog.Level) LogEntry {
	res := gjson.ParseBytes(p)
	ent := LogEntry{
		Level:   res.Get(zerolog.LevelFieldName).String(),
		Message: res.Get(zerolog.MessageFieldName).String(),
	}
	if ent.Level == "" {
		ent.Level = l.String()
	}
	if e := res.Get(zerolog.ErrorFieldName); e.Exists() {
		if ent.Message == "" {
			ent.Message = e.String()
		} else {
			ent.Message += ": " + e.String()
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, res.Get(zerolog.TimestampFieldName).String())
	if err != nil {
		ts = time.Now().UTC()
	}
	ent.Timestamp = ts
	return ent
}

func logEnvelope(ent LogEntry) ([]byte, error) {
	msg := []byte(`{"type":"LOG_ENTRY"}`)
	msg, err := sjson.SetBytes(msg, "payload.timestamp", ent.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	if msg, err = sjson.SetBytes(msg, "payload.level", ent.Level); err != nil {
		return nil, err
	}
	return sjson.SetBytes(msg, "payload.message", ent.Message)
}

// parseLogLevel accepts the four client-facing levels plus zerolog's own names.
func parseLogLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zerolog.WarnLevel, nil
	case "":
		return zerolog.NoLevel, fmt.Errorf("empty level")
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, err
	}
	if l == zerolog.NoLevel {
		return l, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// newLogOutput builds the console and rotating-file writers from config.
// The returned closer releases the log file, if any.
func newLogOutput(cfg Config) (io.Writer, io.Closer) {
	var writers []io.Writer
	var closer io.Closer = closerFunc(func() error { return nil })
	if cfg.Logging.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000"})
	}
	if cfg.Logging.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if len(writers) == 1 {
		return writers[0], closer
	}
	return zerolog.MultiLevelWriter(writers...), closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
