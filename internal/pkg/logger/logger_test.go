package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func resetLogger() {
	global = nil
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"json error", "error", "json", zapcore.ErrorLevel, false},
		{"invalid level", "loud", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantLevel, atomicLevel.Level())
		})
	}
}

func TestInit_OnlyFirstCallApplies(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("warn", "json"))
	first := L()
	require.NoError(t, Init("debug", "console"))
	require.Same(t, first, L())
	require.Equal(t, zapcore.WarnLevel, atomicLevel.Level())
}

func TestL_PanicsWithoutInit(t *testing.T) {
	resetLogger()
	require.Panics(t, func() { L() })
	require.NoError(t, Sync())
}

func TestLoggingHelpers(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("error", "json"))

	require.NotPanics(t, func() {
		Debug("debug", zap.Int64("vm_id", 1))
		Info("info")
		Warn("warn")
		Error("error", zap.String("vm_uuid", "vm-1"))
		With(zap.String("component", "test")).Info("child")
	})
}

func TestLevelHandler(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("info", "json"))
	h := LevelHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"level":"info"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"level":"debug"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, zapcore.DebugLevel, atomicLevel.Level())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"level":"loud"}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
