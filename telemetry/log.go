package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a zerolog logger writing JSON lines to w at the given
// level. Pass os.Stderr for the usual development setup.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewRotatingLogger returns a logger writing to path with size-based
// rotation: files roll at maxSizeMB megabytes and at most maxBackups old
// files are kept.
func NewRotatingLogger(path string, maxSizeMB, maxBackups int, level zerolog.Level) zerolog.Logger {
	return NewLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}, level)
}

// LogSubscriber adapts a zerolog logger into a Bus subscriber: every event
// becomes one structured log line. Request lifecycle events log at debug,
// challenge and rate events at info, challenge failures at warn.
func LogSubscriber(log zerolog.Logger) func(Event) {
	return func(ev Event) {
		var e *zerolog.Event
		switch ev.Kind {
		case EventChallengeFailed:
			e = log.Warn()
		case EventChallengeDetected, EventChallengeSolved, EventRateLimitAdjusted:
			e = log.Info()
		default:
			e = log.Debug()
		}
		e = e.Str("event", string(ev.Kind)).
			Str("session", ev.SessionID).
			Str("origin", ev.Origin)
		if ev.ChallengeKind != "" {
			e = e.Str("challenge", ev.ChallengeKind)
		}
		if ev.Duration > 0 {
			e = e.Dur("duration", ev.Duration)
		}
		if ev.Cause != "" {
			e = e.Str("cause", ev.Cause)
		}
		if ev.NewRate > 0 {
			e = e.Float64("rate", ev.NewRate)
		}
		if ev.Status != 0 {
			e = e.Int("status", ev.Status)
		}
		e.Send()
	}
}
