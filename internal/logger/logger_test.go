package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("debug", "json", &buf)
	defer InitWithWriter("info", "json", &bytes.Buffer{})

	l := With("resolver")
	l.Debug().Str("prefix", "dump").Msg("scanning")

	out := buf.String()
	if !strings.Contains(out, `"component":"resolver"`) {
		t.Errorf("expected component field, got %s", out)
	}
	if !strings.Contains(out, `"prefix":"dump"`) {
		t.Errorf("expected prefix field, got %s", out)
	}
}

func TestInitWithWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("warn", "json", &buf)
	defer InitWithWriter("info", "json", &bytes.Buffer{})

	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", zerolog.GlobalLevel())
	}

	l := Get()
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info message should be filtered at warn level, got %s", buf.String())
	}
}
