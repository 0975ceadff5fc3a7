// Package logutil configures the process-wide structured logger and provides
// helpers for logging identity material without leaking it.
package logutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu   sync.Mutex
	stderrSink = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the minimum level that reaches stderr. Raw log calls always
// flow through charmbracelet/log at debug; filtering happens in the sink so
// the level can be raised or lowered without re-wiring every call site.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	stderrSink.minLevel = level
	stderrSink.out = os.Stderr
	outputMu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetOutput(stderrSink)
	return nil
}

// Logger returns the process-wide structured logger, configured by
// Configure. Call sites use it directly rather than holding their own
// reference.
func Logger() *log.Logger {
	return log.Default()
}

// HashEmail returns a salted digest suitable for log lines: stable per email
// for correlation across log lines, but not reversible without the secret.
func HashEmail(secret, email string) string {
	sum := sha256.Sum256([]byte(secret + "|" + strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])[:16]
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *levelFilterWriter) writeLineLocked(line []byte) {
	if len(line) == 0 || w.out == nil {
		return
	}
	if extractLogLevel(string(line)) < w.minLevel {
		return
	}
	_, _ = w.out.Write(line)
}

func extractLogLevel(line string) log.Level {
	u := " " + strings.ToUpper(stripANSI(line)) + " "
	switch {
	case strings.Contains(u, " DEBUG ") || strings.HasPrefix(strings.TrimSpace(u), "DEBU"):
		return log.DebugLevel
	case strings.Contains(u, " WARN ") || strings.Contains(u, " WARNING "):
		return log.WarnLevel
	case strings.Contains(u, " ERROR ") || strings.Contains(u, " ERRO "):
		return log.ErrorLevel
	case strings.Contains(u, " FATAL "):
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func stripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
