// Package beacon declares the structured-logging collaborator
// interface (spec.md §6). internal/logger writes the core's own log
// lines to stderr; separately, LogEvent events published onto
// internal/eventbus (spec.md §4.6) are handed to a Beacon
// implementation, which does its own writing - grounded on the teacher's
// logger.Logger interface shape, narrowed to the single-method
// "sink" side of that contract rather than the call-site API core
// code uses directly (that remains internal/logger.Logger).
package beacon

// Severity is the closed set of levels a Beacon emission can carry.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Location carries the call-site metadata a Beacon sink may want to
// record alongside a message (file/line/component), kept as a plain
// struct rather than runtime.Caller-derived data so tests can
// construct it directly.
type Location struct {
	Component string
	File      string
	Line      int
}

// Beacon is the structured-logging sink external collaborators
// implement. internal/crawler's Crawler subscribes to eventbus.LogEvent
// (onLogEvent) and calls the configured Beacon's Emit for each.
type Beacon interface {
	Emit(severity Severity, category, message string, loc Location)
}
