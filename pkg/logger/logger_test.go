package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormatCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New("gateway", Config{Level: "debug", Format: "json", Output: &buf})

	log.WithField("path", "/api/items").Info("request sent")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "gateway", line["component"])
	assert.Equal(t, "/api/items", line["path"])
	assert.Equal(t, "request sent", line["msg"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("x", Config{Level: "loud", Output: &buf})

	log.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	log := New("realtime", Config{Format: "json", Output: &buf}).Named("registry")

	assert.Equal(t, "realtime.registry", log.Component())
	log.Info("ok")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "realtime.registry", line["component"])
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New("gateway", Config{Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestID(ctx))
	log.WithContext(ctx).Warn("failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-42", line["request_id"])
}
