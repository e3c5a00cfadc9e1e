// Package logger provides the leveled, structured logging facility
// used throughout BitScrape's core. It mirrors the call-site style of
// the teacher codebase (s.log.Warningln(...), t.log.Errorln(...)) on
// top of zerolog instead of a hand-rolled writer.
package logger

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is the interface every long-lived core object (Engine,
// PeerManager, Session, ...) holds a copy of.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	With(component string) Logger
}

type zlogger struct {
	l zerolog.Logger
}

var (
	once sync.Once
	base zerolog.Logger
)

func initBase() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
}

// New returns a Logger scoped to the given component name, matching the
// teacher's logger.New("session") call-site pattern.
func New(component string) Logger {
	once.Do(initBase)
	return &zlogger{l: base.With().Str("component", component).Logger()}
}

func (z *zlogger) With(component string) Logger {
	return &zlogger{l: z.l.With().Str("component", component).Logger()}
}

func (z *zlogger) Debugln(args ...interface{})                 { z.l.Debug().Msg(sprintln(args...)) }
func (z *zlogger) Debugf(format string, args ...interface{})    { z.l.Debug().Msgf(format, args...) }
func (z *zlogger) Infoln(args ...interface{})                   { z.l.Info().Msg(sprintln(args...)) }
func (z *zlogger) Infof(format string, args ...interface{})     { z.l.Info().Msgf(format, args...) }
func (z *zlogger) Warningln(args ...interface{})                { z.l.Warn().Msg(sprintln(args...)) }
func (z *zlogger) Warningf(format string, args ...interface{})  { z.l.Warn().Msgf(format, args...) }
func (z *zlogger) Errorln(args ...interface{})                  { z.l.Error().Msg(sprintln(args...)) }
func (z *zlogger) Errorf(format string, args ...interface{})    { z.l.Error().Msgf(format, args...) }

func sprintln(args ...interface{}) string {
	return fmt.Sprintln(args...)
}
