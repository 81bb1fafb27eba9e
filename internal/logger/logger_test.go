package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestZapLevelMapping(t *testing.T) {
	tests := []struct {
		level int
		want  zapcore.Level
	}{
		{-1, zapcore.WarnLevel},
		{0, zapcore.WarnLevel},
		{1, zapcore.InfoLevel},
		{2, zapcore.DebugLevel},
		{9, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		if got := zapLevel(tt.level); got != tt.want {
			t.Errorf("zapLevel(%d) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewLogs(t *testing.T) {
	log, sink := New(2)
	if log == nil || sink == nil {
		t.Fatal("New returned nil")
	}
	log.Debug("debug line")
	log.Info("info line")
	_ = log.Sync()
}
