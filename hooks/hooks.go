// Package hooks provides production-ready Hook, Logger and MetricsCollector
// implementations.
package hooks

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/imageproxy/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

// Slog exposes the underlying logger.
func (s *SlogLogger) Slog() *slog.Logger { return s.log }

func toAttrs(fields []interface{}) []any { return fields }

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before and after each orchestrator stage.
type LoggingHook struct {
	logger core.Logger
}

var _ core.Hook = (*LoggingHook)(nil)

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStage(_ context.Context, stage, id string) {
	h.logger.Debug("ipx.stage.start", "stage", stage, "id", id)
}

func (h *LoggingHook) AfterStage(_ context.Context, stage, id string, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("ipx.stage.error",
			"stage", stage,
			"id", id,
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("ipx.stage.done",
		"stage", stage,
		"id", id,
		"duration_ms", d.Milliseconds(),
	)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stageDurationsMs map[string]int64 // cumulative ms per stage
	stageCalls       map[string]int64 // call count per stage
	stageErrors      map[string]int64
	categoryErrors   map[string]int64
	responses        map[int]int64

	totalThroughputB int64
}

var _ core.MetricsCollector = (*InMemoryMetrics)(nil)

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stageDurationsMs: make(map[string]int64),
		stageCalls:       make(map[string]int64),
		stageErrors:      make(map[string]int64),
		categoryErrors:   make(map[string]int64),
		responses:        make(map[int]int64),
	}
}

func (m *InMemoryMetrics) RecordProcessingTime(stage string, d time.Duration) {
	m.mu.Lock()
	m.stageDurationsMs[stage] += d.Milliseconds()
	m.stageCalls[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordResponse(status int) {
	m.mu.Lock()
	m.responses[status]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(stage, category string) {
	m.mu.Lock()
	m.stageErrors[stage]++
	m.categoryErrors[category]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		StageDurationsMs: maps.Clone(m.stageDurationsMs),
		StageCalls:       maps.Clone(m.stageCalls),
		StageErrors:      maps.Clone(m.stageErrors),
		CategoryErrors:   maps.Clone(m.categoryErrors),
		Responses:        maps.Clone(m.responses),
		TotalThroughputB: atomic.LoadInt64(&m.totalThroughputB),
	}
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StageDurationsMs map[string]int64
	StageCalls       map[string]int64
	StageErrors      map[string]int64
	CategoryErrors   map[string]int64
	Responses        map[int]int64
	TotalThroughputB int64
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

// Multi forwards every observation to each collector.
type Multi []core.MetricsCollector

var _ core.MetricsCollector = Multi(nil)

func (m Multi) RecordProcessingTime(stage string, d time.Duration) {
	for _, c := range m {
		c.RecordProcessingTime(stage, d)
	}
}

func (m Multi) RecordThroughput(bytes int64) {
	for _, c := range m {
		c.RecordThroughput(bytes)
	}
}

func (m Multi) RecordResponse(status int) {
	for _, c := range m {
		c.RecordResponse(status)
	}
}

func (m Multi) RecordError(stage, category string) {
	for _, c := range m {
		c.RecordError(stage, category)
	}
}

func statusLabel(status int) string { return strconv.Itoa(status) }
