package inference

import (
	"time"

	"github.com/edaniels/golog"
)

// Logger is the observability seam of the engine. The core never writes to
// a sink directly; batch and document paths report timings here and stage
// workers report per-item failures.
type Logger interface {
	// Infof logs general engine lifecycle events.
	Infof(format string, args ...interface{})
	// Errorf logs a failed operation against the named model.
	Errorf(model string, err error)
	// BatchTiming logs one completed batch.
	BatchTiming(count int, elapsed time.Duration)
	// DocumentTiming logs one completed document, split by phase.
	DocumentTiming(pages int, render, infer, total time.Duration)
}

// gologAdapter backs Logger with a zap sugared logger.
type gologAdapter struct {
	l golog.Logger
}

// NewLogger creates the default structured logger.
//
// Arguments:
//   - name: The logger name, usually the model or engine name.
//
// Returns:
//   - Logger: The logger.
func NewLogger(name string) Logger {
	return &gologAdapter{l: golog.NewLogger(name)}
}

// WrapLogger adapts an existing golog logger, e.g. golog.NewTestLogger in
// tests.
func WrapLogger(l golog.Logger) Logger {
	return &gologAdapter{l: l}
}

func (g *gologAdapter) Infof(format string, args ...interface{}) {
	g.l.Infof(format, args...)
}

func (g *gologAdapter) Errorf(model string, err error) {
	g.l.Errorw("inference error", "model", model, "error", err)
}

func (g *gologAdapter) BatchTiming(count int, elapsed time.Duration) {
	g.l.Infow("batch complete", "count", count, "elapsed", elapsed)
}

func (g *gologAdapter) DocumentTiming(pages int, render, infer, total time.Duration) {
	g.l.Infow("document complete",
		"pages", pages, "render", render, "inference", infer, "total", total)
}

// nopLogger drops everything; used when callers disable logging.
type nopLogger struct{}

// NopLogger returns a logger that discards all events.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Infof(string, ...interface{})                                {}
func (nopLogger) Errorf(string, error)                                        {}
func (nopLogger) BatchTiming(int, time.Duration)                              {}
func (nopLogger) DocumentTiming(int, time.Duration, time.Duration, time.Duration) {}
