package builder

import (
	"bytes"
	"strings"

	"go.uber.org/zap"

	"deployagent/pkg/cmdutil"
)

// maxLine caps a single logged line; longer output is split.
const maxLine = 4096

// lineWriter logs command output one line at a time with secrets redacted.
// Writes are serialized by the executor.
type lineWriter struct {
	log     *zap.Logger
	secrets []string
	buf     []byte
}

func newLineWriter(log *zap.Logger, secrets []string) *lineWriter {
	return &lineWriter{log: log, secrets: secrets}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) > maxLine {
		w.emit(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	return len(p), nil
}

// Flush logs whatever is left after the last newline.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	text := strings.TrimRight(string(cmdutil.SanitizeOutput(line, w.secrets)), "\r")
	w.log.Info(text, zap.String("source", "build"))
}
