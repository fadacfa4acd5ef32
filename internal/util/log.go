package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger is a component-scoped logger. Every line carries a "component"
// argument so interleaved output from the agent, the manager and the media
// engine stays readable.
type Logger struct {
	component string
}

// NewLogger returns a Logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) args() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("component", l.component)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Infof(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), l.args())
}

// ---------------------------------------------------------------------------
// pion bridge
// ---------------------------------------------------------------------------

// pionLoggerFactory routes pion's internal logging through pterm.
type pionLoggerFactory struct{}

// NewPionLoggerFactory returns a logging.LoggerFactory for the pion
// SettingEngine. pion's info output is demoted to debug; it is too chatty
// for normal runs.
func NewPionLoggerFactory() logging.LoggerFactory {
	return pionLoggerFactory{}
}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: NewLogger("pion/" + scope)}
}

type pionLogger struct {
	log *Logger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(string)                              {}
func (p *pionLogger) Tracef(string, ...interface{})             {}
func (p *pionLogger) Debug(msg string)                          { p.log.Debugf("%s", msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.log.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.log.Debugf("%s", msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.log.Debugf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.log.Warnf("%s", msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.log.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.log.Errorf("%s", msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.log.Errorf(format, args...) }
