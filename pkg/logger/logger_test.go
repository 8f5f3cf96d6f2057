package logger

import (
	"path/filepath"
	"testing"

	"github.com/realtime-chat-go/internal/config"
	"github.com/realtime-chat-go/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_LevelAndFormat(t *testing.T) {
	log, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger(&config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chat.log")
	log, err := NewLogger(&config.LoggingConfig{
		Level:  "info",
		Output: "file",
		File:   config.FileConfig{Path: path, MaxSize: 1},
	})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(path))
	log.Info("hello")
}

func TestWithRecord(t *testing.T) {
	entry := WithRecord(logrus.New(), models.ChatRecord{ID: models.LocalID("t1"), Name: "ann", IsOptimistic: true})
	assert.Equal(t, "local:t1", entry.Data["record_id"])
	assert.Equal(t, true, entry.Data["optimistic"])
}
