// Package elog is the structured/colored logging facade every other
// package and cmd/snapfsctl log through, and the progress reporter used
// for the one long-running phase worth showing a user: the suspension
// window during snapshot creation.
package elog

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the logging surface every package in this module takes as a
// dependency instead of calling logrus directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebugEnabled() bool
}

// SuspensionReporter tracks one snapshot creation's quiescence window,
// the interval bounded by cg pass 2 through the end of the
// unlinked-inode sweep.
type SuspensionReporter interface {
	BeginSuspension(device string) SuspensionSpan
}

// SuspensionSpan is closed once the filesystem resumes; it logs the
// observed duration and, if a progress bar is attached, stops it.
type SuspensionSpan interface {
	RedoPass(cgRedone int)
	End()
}

// CLI is a terminal-oriented Logger and SuspensionReporter, adapted from
// the teacher's progress/logging CLI facade.
type CLI struct {
	Debug        bool
	DisableColor bool

	mu       sync.Mutex
	progress *mpb.Progress
}

func (c *CLI) Debugf(format string, args ...interface{}) {
	if c.Debug {
		logrus.Debugf(format, args...)
	}
}

func (c *CLI) Infof(format string, args ...interface{}) {
	logrus.Infof(format, args...)
}

func (c *CLI) Warnf(format string, args ...interface{}) {
	logrus.Warnf(format, args...)
}

func (c *CLI) Errorf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
}

func (c *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// BeginSuspension starts a spinner labeled with the device name and
// returns a span the caller closes once the filesystem resumes.
func (c *CLI) BeginSuspension(device string) SuspensionSpan {
	c.mu.Lock()
	if c.progress == nil {
		c.progress = mpb.New(mpb.WithWidth(60))
	}
	label := fmt.Sprintf("suspend[%s]", device)
	bar := c.progress.AddSpinner(0, mpb.SpinnerOnLeft,
		mpb.PrependDecorators(decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight})))
	c.mu.Unlock()

	return &span{cli: c, bar: bar, device: device, start: time.Now()}
}

type span struct {
	cli     *CLI
	bar     *mpb.Bar
	device  string
	start   time.Time
	redone  int
}

func (s *span) RedoPass(cgRedone int) {
	s.redone += cgRedone
}

func (s *span) End() {
	dur := time.Since(s.start)
	s.bar.Abort(true)
	if s.redone > 0 {
		s.cli.Infof("snapshot: device %s suspended %s, %d cg redone on pass 2", s.device, dur, s.redone)
	} else {
		s.cli.Infof("snapshot: device %s suspended %s", s.device, dur)
	}
}

// Format renders a logrus entry with the teacher's level-to-color
// mapping, muted when DisableColor is set.
func (c *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	msg := entry.Message
	if !c.DisableColor {
		switch entry.Level {
		case logrus.DebugLevel, logrus.TraceLevel:
			msg = color.New(color.FgBlue).Sprint(msg)
		case logrus.WarnLevel:
			msg = color.New(color.FgYellow).Sprint(msg)
		case logrus.ErrorLevel:
			msg = color.New(color.FgRed).Sprint(msg)
		}
	}
	return []byte(msg + "\n"), nil
}
