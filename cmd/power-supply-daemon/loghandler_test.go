package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(verbose bool, topics string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(newTopicHandler(inner, verbose, topics)), &buf
}

func TestTopicHandler_FiltersByTopic(t *testing.T) {
	logger, buf := newTestLogger(false, "status, ups")

	logger.Info("untagged")
	logger.With("topic", "status").Info("status line")
	logger.With("topic", "devices").Info("devices line")
	logger.Info("record attr", "topic", "ups")
	logger.With("topic", "devices").Warn("devices warning")

	out := buf.String()
	assert.Contains(t, out, "untagged")
	assert.Contains(t, out, "status line")
	assert.Contains(t, out, "record attr")
	assert.Contains(t, out, "devices warning")
	assert.NotContains(t, out, "devices line")
}

func TestTopicHandler_VerboseEnablesAll(t *testing.T) {
	logger, buf := newTestLogger(true, "")

	logger.With("topic", "storage").WithGroup("db").Debug("debug line")

	assert.Contains(t, buf.String(), "debug line")
}
