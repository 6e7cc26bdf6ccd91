package console

import (
	"regexp"
	"strings"
	"time"
)

// Level is the severity column of a console record.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// LogLine is one parsed console record.
type LogLine struct {
	Time     time.Time `json:"time"`
	TimeText string    `json:"time_text"`
	Layout   string    `json:"-"`
	Thread   string    `json:"thread"`
	Level    Level     `json:"type"`
	From     string    `json:"from"`
	Message  string    `json:"message"`
}

// linePattern matches a whole record:
//
//	[<timestamp>] [<thread>/<LEVEL>] [<tag>/]: <message>
//
// The tag segment is optional; vanilla servers omit it.
var linePattern = regexp.MustCompile(`^\[([^\]]+)\] \[([^\]]+)/(INFO|WARN|ERROR|FATAL)\](?: \[([^\]]*)\])?: (.*)$`)

// timeLayouts are tried in order. Servers print local wall-clock time with no zone.
var timeLayouts = []string{
	"15:04:05",
	"15:04:05.000",
	"02Jan2006 15:04:05.000",
	"01 02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05.000",
}

// ParseLine matches a single console line against the record grammar.
// ok is false for anything that is not exactly one record.
func ParseLine(s string) (LogLine, bool) {
	m := linePattern.FindStringSubmatch(s)
	if m == nil {
		return LogLine{}, false
	}
	rec := LogLine{
		TimeText: m[1],
		Thread:   m[2],
		Level:    Level(m[3]),
		From:     strings.TrimSuffix(m[4], "/"),
		Message:  strings.TrimSpace(m[5]),
	}
	rec.Time, rec.Layout = parseTime(m[1])
	return rec, true
}

func parseTime(s string) (time.Time, string) {
	for _, layout := range timeLayouts {
		if len(layout) != len(s) {
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, layout
		}
	}
	return time.Time{}, ""
}

// trimTerminator drops exactly one trailing "\n" or "\r\n".
func trimTerminator(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
