package logflags

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLogDesc is the log destination used when none is given:
// an empty string means standard error.
const DefaultLogDesc = ""

var (
	pointer = false
	tracer  = false
	proxy   = false
	native  = false
	http    = false
)

var logOut io.Writer = os.Stderr

// Logger is the subset of *zap.SugaredLogger used across memscope.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

var errLogstrWithoutLog = errors.New("log layers specified without enabling logging")

// Setup enables the layers listed in logStr (comma separated) and
// redirects output to logDest when it is a file path.
func Setup(logFlag bool, logStr, logDest string) error {
	if logDest != "" {
		if err := os.MkdirAll(filepath.Dir(logDest), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logOut = f
	}

	if !logFlag {
		if logStr != "" && logStr != "http" {
			return errLogstrWithoutLog
		}
		return nil
	}

	if logStr == "" {
		logStr = "tracer,proxy"
	}
	for _, layer := range strings.Split(logStr, ",") {
		switch strings.TrimSpace(layer) {
		case "pointer":
			pointer = true
		case "tracer":
			tracer = true
		case "proxy":
			proxy = true
		case "native":
			native = true
		case "http":
			http = true
		case "all":
			pointer, tracer, proxy, native, http = true, true, true, true, true
		}
	}
	return nil
}

// Tracer returns true if the tracer package should log.
func Tracer() bool {
	return tracer
}

// Proxy returns true if the proxy protocol should be logged.
func Proxy() bool {
	return proxy
}

// Reset disables every layer and restores standard error as output.
func Reset() {
	pointer, tracer, proxy, native, http = false, false, false, false, false
	logOut = os.Stderr
}
