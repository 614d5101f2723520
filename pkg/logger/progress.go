package logger

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ProgressTracker logs throughput of a batch at most once per interval and
// a final tally of processed and failed items.
type ProgressTracker struct {
	logger    Logger
	operation string
	total     int64
	interval  time.Duration
	started   time.Time

	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	lastLog time.Time
}

// ProgressConfig configures a ProgressTracker. Zero values select the
// global logger and a five second interval.
type ProgressConfig struct {
	Operation   string
	Total       int64
	LogInterval time.Duration
	Logger      Logger
}

func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval <= 0 {
		config.LogInterval = 5 * time.Second
	}

	now := time.Now()
	p := &ProgressTracker{
		logger:    config.Logger.WithComponent("progress").WithField("operation", config.Operation),
		operation: config.Operation,
		total:     config.Total,
		interval:  config.LogInterval,
		started:   now,
		lastLog:   now,
	}
	p.logger.WithField("total", config.Total).Debug("Starting batch")
	return p
}

// Increment counts one successfully processed item.
func (p *ProgressTracker) Increment() {
	p.processed.Add(1)
	p.maybeLog()
}

// Fail counts one processed item that failed.
func (p *ProgressTracker) Fail() {
	p.processed.Add(1)
	p.failed.Add(1)
	p.maybeLog()
}

// Current returns the number of processed items.
func (p *ProgressTracker) Current() int64 {
	return p.processed.Load()
}

// Failed returns the number of failed items.
func (p *ProgressTracker) Failed() int64 {
	return p.failed.Load()
}

// Complete logs the final tally.
func (p *ProgressTracker) Complete() {
	p.logger.WithFields(Fields{
		"total":     p.total,
		"processed": p.Current(),
		"failed":    p.Failed(),
		"duration":  time.Since(p.started).Round(time.Millisecond).String(),
	}).Info("Batch completed")
}

func (p *ProgressTracker) maybeLog() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastLog) < p.interval {
		return
	}
	p.lastLog = now

	processed := p.Current()
	fields := Fields{"processed": processed, "failed": p.Failed()}
	if elapsed := now.Sub(p.started).Seconds(); elapsed > 0 {
		fields["rate"] = fmt.Sprintf("%.2f/sec", float64(processed)/elapsed)
	}
	if p.total > 0 {
		fields["total"] = p.total
		fields["percentage"] = fmt.Sprintf("%.1f%%", float64(processed)/float64(p.total)*100)
	}
	p.logger.WithFields(fields).Info("Batch progress")
}

// OperationLogger logs the steps of one trigger run with shared fields and
// the elapsed time at the end.
type OperationLogger struct {
	logger    Logger
	operation string
	fields    Fields
	started   time.Time
}

func NewOperationLogger(operation string, logger Logger) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	ol := &OperationLogger{
		logger:    logger,
		operation: operation,
		fields:    Fields{},
		started:   time.Now(),
	}
	ol.logger.WithField("operation", operation).Info("Starting operation")
	return ol
}

// WithField adds a field to every following line.
func (ol *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	ol.fields[key] = value
	return ol
}

func (ol *OperationLogger) with(extra Fields) Logger {
	fields := make(Fields, len(ol.fields)+len(extra)+1)
	fields["operation"] = ol.operation
	for k, v := range ol.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	return ol.logger.WithFields(fields)
}

func (ol *OperationLogger) Step(step string, fields Fields) {
	ol.with(fields).WithField("step", step).Info("Operation step")
}

func (ol *OperationLogger) Warning(message string, fields Fields) {
	ol.with(fields).Warn(message)
}

// Failure logs a per-item failure; the operation goes on.
func (ol *OperationLogger) Failure(err error, message string, fields Fields) {
	ol.with(fields).WithError(err).Error(message)
}

func (ol *OperationLogger) Success(message string) {
	ol.with(Fields{
		"duration": time.Since(ol.started).Round(time.Millisecond).String(),
		"status":   "success",
	}).Info(message)
}
