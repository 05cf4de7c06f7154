// Package elog emits structured, one-line-per-event records for every
// terminal outcome a goal reaches, in the key=value style distr1/distri's
// own log.Printf call sites favour over a structured logging library.
package elog

import (
	"fmt"
	"log"
	"strings"
)

// Record is one structured log line. Fields are rendered in insertion
// order as key=value, space separated, with the event name first.
type Record struct {
	Event  string
	Fields []Field
}

// Field is one key=value pair of a Record.
type Field struct {
	Key   string
	Value string
}

func F(key string, value interface{}) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Emit writes rec to logger as one line: "event=<Event> k=v k=v ...".
// A value containing a space, tab or double quote is written Go-quoted (%q).
func Emit(logger *log.Logger, event string, fields ...Field) {
	if logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("event=")
	b.WriteString(event)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		if strings.ContainsAny(f.Value, " \t\"") {
			b.WriteString(fmt.Sprintf("%q", f.Value))
		} else {
			b.WriteString(f.Value)
		}
	}
	logger.Print(b.String())
}

// Event names for every terminal outcome a goal surfaces to the log.
const (
	EventBuildStarted        = "build-started"
	EventBuildSucceeded      = "build-succeeded"
	EventBuildFailed         = "build-failed"
	EventSubstituterStarted  = "substituter-started"
	EventSubstituterSucceeded = "substituter-succeeded"
	EventSubstituterFailed   = "substituter-failed"
	EventHookFailed          = "hook-failed"
)
