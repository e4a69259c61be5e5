package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

// LoggerTestSuite tests the log package
type LoggerTestSuite struct {
	suite.Suite
	originalLogger zerolog.Logger
	output         *bytes.Buffer
}

func (s *LoggerTestSuite) SetupTest() {
	s.originalLogger = Logger
	s.output = &bytes.Buffer{}
	SetOutput(s.output)
	SetLevel(zerolog.DebugLevel)
}

func (s *LoggerTestSuite) TearDownTest() {
	Logger = s.originalLogger
}

func (s *LoggerTestSuite) lines() []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(s.output.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		s.Require().NoError(json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

// TestGoroutineID tests the goroutine ID extraction
func (s *LoggerTestSuite) TestGoroutineID() {
	id := goroutineID()
	s.NotEmpty(id)
	s.NotEqual("unknown", id)
	for _, char := range id {
		s.True(char >= '0' && char <= '9', "goroutine ID should be numeric")
	}
	s.Equal(id, goroutineID())
}

// TestGoroutineIDDiffers tests that a different goroutine reports a different ID
func (s *LoggerTestSuite) TestGoroutineIDDiffers() {
	done := make(chan string, 1)
	go func() {
		done <- goroutineID()
	}()
	s.NotEqual(goroutineID(), <-done)
}

// TestLevelsCarryGoid tests that every helper writes its level and the goid field
func (s *LoggerTestSuite) TestLevelsCarryGoid() {
	Debug().Msg("debug test")
	Info().Str("device_id", "pi").Msg("info test")
	Warn().Msg("warn test")
	Error().Msg("error test")

	entries := s.lines()
	s.Require().Len(entries, 4)
	levels := []string{"debug", "info", "warn", "error"}
	for i, entry := range entries {
		s.Equal(levels[i], entry["level"])
		s.Contains(entry, "goid")
		s.Contains(entry, "time")
	}
	s.Equal("pi", entries[1]["device_id"])
}

// TestSetLevelFilters tests that lower levels are dropped
func (s *LoggerTestSuite) TestSetLevelFilters() {
	SetLevel(zerolog.WarnLevel)

	Debug().Msg("hidden debug")
	Info().Msg("hidden info")
	Warn().Msg("visible warn")

	output := s.output.String()
	s.NotContains(output, "hidden")
	s.Contains(output, "visible warn")
}

// TestSetDebugMode tests switching to debug level
func (s *LoggerTestSuite) TestSetDebugMode() {
	SetLevel(zerolog.InfoLevel)
	SetDebugMode()
	s.Equal(zerolog.DebugLevel, Logger.GetLevel())
}

// TestParseLevel tests config level parsing
func (s *LoggerTestSuite) TestParseLevel() {
	level, err := ParseLevel("")
	s.NoError(err)
	s.Equal(zerolog.InfoLevel, level)

	level, err = ParseLevel(" WARN ")
	s.NoError(err)
	s.Equal(zerolog.WarnLevel, level)

	_, err = ParseLevel("loud")
	s.Error(err)
}

// TestConcurrentLogging tests that logging is safe from many goroutines
func (s *LoggerTestSuite) TestConcurrentLogging() {
	var buf safeBuffer
	SetOutput(&buf)

	numGoroutines := 10
	done := make(chan struct{}, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			Info().Int("worker", id).Msg("concurrent message")
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	s.Equal(numGoroutines, strings.Count(buf.String(), "concurrent message"))
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
