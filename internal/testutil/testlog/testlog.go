package testlog

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/fcgirelay/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}

// Capture is a JSON log sink for asserting on emitted records.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *Capture) Logger() zerolog.Logger {
	return zerolog.New(c).Level(zerolog.DebugLevel)
}

// Lines returns the captured records containing every needle.
func (c *Capture) Lines(needles ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, line := range strings.Split(c.buf.String(), "\n") {
		if line == "" {
			continue
		}
		match := true
		for _, n := range needles {
			if !strings.Contains(line, n) {
				match = false
				break
			}
		}
		if match {
			out = append(out, line)
		}
	}
	return out
}
