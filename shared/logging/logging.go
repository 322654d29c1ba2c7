package logging

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

type level int

const (
	TRACE level = iota
	DEBUG
	INFO
	WARNING
	ERROR
)

const timeFormat = "2006-01-02 15:04:05"

var minLevel = TRACE

// SetLevel raises the minimum level that gets emitted.
func SetLevel(l level) {
	minLevel = l
}

func Trace(msg string) {
	output(TRACE, msg)
}

func Tracef(msg string, args ...interface{}) {
	output(TRACE, fmt.Sprintf(msg, args...))
}

func Debug(msg string) {
	output(DEBUG, msg)
}

func Debugf(msg string, args ...interface{}) {
	output(DEBUG, fmt.Sprintf(msg, args...))
}

func Info(msg string) {
	output(INFO, msg)
}

func Infof(msg string, args ...interface{}) {
	output(INFO, fmt.Sprintf(msg, args...))
}

func Warning(msg string) {
	output(WARNING, msg)
}

func Warningf(msg string, args ...interface{}) {
	output(WARNING, fmt.Sprintf(msg, args...))
}

func Error(msg string) {
	output(ERROR, msg)
}

func Errorf(msg string, args ...interface{}) {
	output(ERROR, fmt.Sprintf(msg, args...))
}

func output(l level, msg string) {
	if l < minLevel {
		return
	}

	t := time.Now().Format(timeFormat)
	switch l {
	case TRACE:
		color.Cyan("%v TRACE %s", t, msg)
	case DEBUG:
		color.Green("%v DEBUG %s", t, msg)
	case INFO:
		color.White("%v INFO %s", t, msg)
	case WARNING:
		color.Blue("%v WARN %s", t, msg)
	case ERROR:
		color.Red("%v ERROR %s", t, msg)
	}
}
