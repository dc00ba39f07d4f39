// Package strategylog provides the per-instance business log stream.
//
// System-level diagnostics (HTTP access, adapter plumbing, process lifecycle)
// go through infrastructure/logging (logrus). Strategy decisions, state
// transitions, and on-chain actions are business events that belong under
// <log-root>/strategies/<id>/*.log and are logged here instead, one child
// logger per instance so log files never interleave between instances.
package strategylog

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Registry hands out one zap logger per instance id, creating the backing
// file lazily at logRoot/strategies/<id>/instance.log.
type Registry struct {
	mu      sync.Mutex
	logRoot string
	loggers map[string]*Logger
}

// NewRegistry creates a registry rooted at logRoot (e.g. "<log-root>").
func NewRegistry(logRoot string) *Registry {
	return &Registry{
		logRoot: logRoot,
		loggers: make(map[string]*Logger),
	}
}

// For returns the logger for instanceID, creating it on first use.
func (r *Registry) For(instanceID string) (*Logger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[instanceID]; ok {
		return l, nil
	}

	dir := filepath.Join(r.logRoot, "strategies", instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	writer, _, err := zap.Open(filepath.Join(dir, "instance.log"))
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), writer, zapcore.InfoLevel)
	base := zap.New(core).Sugar().With("instance_id", instanceID)

	l := &Logger{sugared: base}
	r.loggers[instanceID] = l
	return l, nil
}

// Close flushes and drops all cached loggers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.loggers {
		_ = l.sugared.Sync()
	}
	r.loggers = make(map[string]*Logger)
}

// Logger is the per-instance business logger.
type Logger struct {
	sugared *zap.SugaredLogger
}

// Transition logs a state-machine transition with the decision that caused it.
func (l *Logger) Transition(from, to, decision, reason string) {
	l.sugared.Infow("state transition",
		"from", from,
		"to", to,
		"decision", decision,
		"reason", reason,
	)
}

// Action logs an on-chain action attempt and its outcome.
func (l *Logger) Action(opType string, attempt int, err error) {
	if err != nil {
		l.sugared.Warnw("action attempt failed", "op_type", opType, "attempt", attempt, "error", err.Error())
		return
	}
	l.sugared.Infow("action attempt succeeded", "op_type", opType, "attempt", attempt)
}

// Snapshot logs a compact analytics snapshot line.
func (l *Logger) Snapshot(activeBin int, inRange bool, pnlPercent float64) {
	l.sugared.Infow("snapshot", "active_bin", activeBin, "in_range", inRange, "pnl_percent", pnlPercent)
}

// Error logs an unstructured business-level error.
func (l *Logger) Error(msg string, err error) {
	l.sugared.Errorw(msg, "error", err.Error())
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.sugared.Sync()
}
