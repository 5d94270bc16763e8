package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger := NewLogger("registryd", tc.level, &bytes.Buffer{})
			assert.Equal(t, tc.want, logger.GetLevel())
		})
	}
}

func TestNewLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("registryd", "info", &buf)
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registryd", line["service"])
	assert.Equal(t, "hello", line["message"])
	assert.Contains(t, line, "time")
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "registryd", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), "", "")
	assert.Error(t, err)
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("registryd", "info", &buf)
	handler := Middleware("registryd", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entries", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "request", line["message"])
	assert.Equal(t, "/v1/entries", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
}

func TestTransportDefaultsBase(t *testing.T) {
	assert.NotNil(t, Transport(nil))
}
