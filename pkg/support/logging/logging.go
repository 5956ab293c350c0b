// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logging defines the severity-tagged message sink injected into the engine builder and the
// execution runtime, and a default implementation that forwards to klog.
//
// There is no global logger instance: whoever creates an engine.Builder passes the Logger along,
// and it is carried to everything the builder creates.
package logging

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Severity of a logged message, from most to least severe.
type Severity int

const (
	// InternalError is an unrecoverable error in the runtime itself.
	InternalError Severity = iota

	// Error is an application error, the operation being performed failed.
	Error

	// Warning reports something that is likely not intended, but that didn't fail the operation.
	Warning

	// Info is informational: compilation steps, memory planning, tactic choices.
	Info

	// Verbose is low level detail, suppressed by default.
	Verbose
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case InternalError:
		return "INTERNAL_ERROR"
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Verbose:
		return "VERBOSE"
	default:
		return "UNKNOWN"
	}
}

// Logger is the capability to receive severity-tagged messages.
// Any implementation (console, file, metrics pipe) can be injected.
type Logger interface {
	Log(severity Severity, msg string)
}

// Logf formats the message and sends it to logger. A nil logger is a no-op.
func Logf(logger Logger, severity Severity, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Log(severity, fmt.Sprintf(format, args...))
}

// Klog returns a Logger that forwards to klog.
//
// Info, Warning and errors are always emitted. Verbose messages only with klog's -v=2 or higher.
func Klog() Logger { return klogLogger{} }

type klogLogger struct{}

// Log implements Logger.
func (klogLogger) Log(severity Severity, msg string) {
	switch severity {
	case InternalError, Error:
		klog.ErrorDepth(2, severity.String()+": "+msg)
	case Warning:
		klog.WarningDepth(2, msg)
	case Info:
		klog.InfoDepth(2, msg)
	default:
		if klog.V(2).Enabled() {
			klog.InfoDepth(2, msg)
		}
	}
}

// Func adapts an ordinary function to a Logger.
type Func func(severity Severity, msg string)

// Log implements Logger.
func (f Func) Log(severity Severity, msg string) { f(severity, msg) }

// Entry is one message recorded by a Recorder.
type Entry struct {
	Severity Severity
	Msg      string
}

// Recorder is a Logger that keeps every message at or above MinSeverity (numerically <=) in memory.
// It is safe for concurrent use.
type Recorder struct {
	MinSeverity Severity

	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns a Recorder that keeps messages up to the given severity.
func NewRecorder(minSeverity Severity) *Recorder {
	return &Recorder{MinSeverity: minSeverity}
}

// Log implements Logger.
func (r *Recorder) Log(severity Severity, msg string) {
	if severity > r.MinSeverity {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Severity: severity, Msg: msg})
}

// Entries returns a copy of the recorded messages.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Count returns the number of recorded messages with the given severity.
func (r *Recorder) Count(severity Severity) (count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Severity == severity {
			count++
		}
	}
	return
}
