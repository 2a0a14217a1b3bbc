/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/

// Package logs exposes info, warning and error loggers. Output is either plain
// text in the standard library format or one JSON object per line.
package logs

import (
	"io"
	"log"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// Info is a logger at the 'info' logging level.
	Info *log.Logger
	// Warn is a logger at the 'warning' logging level.
	Warn *log.Logger
	// Err is a logger at the 'error' logging level.
	Err *log.Logger
)

// levelWriter forwards a formatted line to zerolog at a fixed level.
type levelWriter struct {
	zl    zerolog.Logger
	level zerolog.Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.zl.WithLevel(w.level).Msg(msg)
	return len(p), nil
}

// Parses a comma-separated list of log flags.
func parseFlags(logFlags string) (flags int, asJSON bool) {
	for _, v := range strings.Split(logFlags, ",") {
		switch strings.TrimSpace(v) {
		case "date":
			flags |= log.Ldate
		case "time":
			flags |= log.Ltime
		case "microseconds":
			flags |= log.Lmicroseconds
		case "longfile":
			flags |= log.Llongfile
		case "shortfile":
			flags |= log.Lshortfile
		case "UTC":
			flags |= log.LUTC
		case "msgprefix":
			flags |= log.Lmsgprefix
		case "stdFlags":
			flags |= log.LstdFlags
		case "json":
			asJSON = true
		}
	}
	return
}

// Init initializes info, warning and error loggers given the flags and the output.
// The 'json' flag switches the output to structured JSON lines.
func Init(output io.Writer, logFlags string) {
	flags, asJSON := parseFlags(logFlags)
	if !asJSON {
		if flags == 0 {
			flags = log.LstdFlags
		}
		Info = log.New(output, "I", flags)
		Warn = log.New(output, "W", flags)
		Err = log.New(output, "E", flags)
		return
	}

	zl := zerolog.New(output).With().Timestamp().Logger()
	// Timestamps are supplied by zerolog, keep only the caller info from the std flags.
	flags &= log.Lshortfile | log.Llongfile
	Info = log.New(levelWriter{zl: zl, level: zerolog.InfoLevel}, "", flags)
	Warn = log.New(levelWriter{zl: zl, level: zerolog.WarnLevel}, "", flags)
	Err = log.New(levelWriter{zl: zl, level: zerolog.ErrorLevel}, "", flags)
}

func init() {
	Init(io.Discard, "stdFlags")
}
