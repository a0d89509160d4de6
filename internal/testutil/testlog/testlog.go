package testlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/danmuck/domainctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test.start")
}

// Buffer collects JSON log lines written while a test runs.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Messages returns the message of every captured line in order.
func (b *Buffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var line struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(sc.Bytes(), &line) == nil {
			out = append(out, line.Message)
		}
	}
	return out
}

// Capture sends the global logger to a Buffer until the test ends.
func Capture(t *testing.T) *Buffer {
	t.Helper()
	b := &Buffer{}
	prev := log.Logger
	log.Logger = zerolog.New(b)
	t.Cleanup(func() { log.Logger = prev })
	return b
}
