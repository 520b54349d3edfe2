// Package logging provides rotating file output and logger construction for
// the server and its subsystems.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// maxLogBytes caps one rotated file before same-day rollover.
const maxLogBytes = int64(300 * 1024 * 1024) // 300MB

// Setup configures the standard logger with the given prefix. When logFile is
// non-empty, output goes to a rotating file mirrored to stdout for foreground
// runs. The returned closer is nil when no file is used.
func Setup(prefix, logFile string) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix(prefix)

	if strings.TrimSpace(logFile) == "" {
		return nil, nil
	}
	rot, err := NewRotatingWriter(logFile, maxLogBytes)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rot))
	return rot, nil
}

// Sub derives a subsystem logger writing to the same output.
func Sub(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.LstdFlags|log.Lmicroseconds)
}
