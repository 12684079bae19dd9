// Package keylog writes TLS secrets in the NSS key log format so captures
// can be decrypted with Wireshark.
//
// The process-wide writer is opened from SSLKEYLOGFILE on first use.
// Clients may also carry their own Writer.
package keylog

import (
	"io"
	"os"
	"sync"

	"github.com/sardanioss/mimicry/logging"
)

// EnvVar names the environment variable read by FromEnv.
const EnvVar = "SSLKEYLOGFILE"

// Writer serialises key log lines from concurrent handshakes onto one
// destination. A Writer with no destination discards everything.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
}

// Open appends to the file at path, creating it with mode 0600.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	return &Writer{w: f, closer: f, path: path}, nil
}

// NewWriter wraps w. Close does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// FromEnv opens the file named by SSLKEYLOGFILE. It returns nil when the
// variable is unset or the file cannot be opened; the failure is logged.
func FromEnv() *Writer {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil
	}
	w, err := Open(path)
	if err != nil {
		logging.GetLogger().Warn("key log file unavailable", "path", path, "error", err)
		return nil
	}
	logging.GetLogger().Info("writing TLS key log", "path", path)
	return w
}

// Write appends one or more complete key log lines.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return len(p), nil
	}
	return w.w.Write(p)
}

// Path returns the file being written, or "" for wrapped writers.
func (w *Writer) Path() string { return w.path }

// Close releases the file opened by Open. Later writes are discarded.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = nil
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

var (
	defaultOnce sync.Once
	defaultMu   sync.RWMutex
	defaultW    *Writer
)

// Default returns the process-wide writer, opening SSLKEYLOGFILE on the
// first call. It is nil when key logging is not configured.
func Default() *Writer {
	defaultOnce.Do(func() {
		if w := FromEnv(); w != nil {
			defaultMu.Lock()
			if defaultW == nil {
				defaultW = w
			} else {
				w.Close()
			}
			defaultMu.Unlock()
		}
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultW
}

// SetDefault replaces the process-wide writer and closes the previous one.
// Nil disables key logging.
func SetDefault(w *Writer) error {
	defaultOnce.Do(func() {})
	defaultMu.Lock()
	prev := defaultW
	defaultW = w
	defaultMu.Unlock()
	if prev != nil && prev != w {
		return prev.Close()
	}
	return nil
}
