package cachekit

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
)

func TestGetLoggerDefaultsWhenUnset(t *testing.T) {
	logger, loggerOnce = nil, sync.Once{}
	if GetLogger() == nil {
		t.Fatal("expected GetLogger() to fall back to a non-nil default logger")
	}
}

func TestSetLoggerOverridesDefault(t *testing.T) {
	logger, loggerOnce = nil, sync.Once{}

	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, nil))
	SetLogger(custom)

	if GetLogger() != custom {
		t.Fatal("expected GetLogger() to return the logger set via SetLogger")
	}

	GetLogger().Warn("test message")
	if buf.Len() == 0 {
		t.Error("expected the custom logger to receive the log record")
	}
}
