package builtin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
)

func apiContext(t *testing.T, config map[string]any) *handler.Context {
	hc := testContext(t, models.NodeTypeAPIJob, config)
	hc.HTTP = ports.NewNetHTTP(5 * time.Second)
	return hc
}

func TestAPIJobGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"value": 7})
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{"url": srv.URL})
	out, err := executeAPIJob(context.Background(), hc, nil)
	require.NoError(t, err)

	body := out[models.PortDefault].Body.(map[string]any)
	assert.Equal(t, float64(200), toFloat(body["status"]))
	assert.Equal(t, map[string]any{"value": float64(7)}, body["body"])
}

func TestAPIJobPostSendsConfiguredBody(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{
		"url":     srv.URL,
		"method":  "POST",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"name": "dipeo"},
	})
	out, err := executeAPIJob(context.Background(), hc, nil)
	require.NoError(t, err)

	assert.JSONEq(t, `{"name":"dipeo"}`, string(received))
	body := out[models.PortDefault].Body.(map[string]any)
	assert.Equal(t, float64(201), toFloat(body["status"]))
	assert.Equal(t, "created", body["body"])
}

func TestAPIJobPostFallsBackToInputPayload(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{"url": srv.URL, "method": "POST"})
	inputs := handler.Inputs{
		models.PortDefault: models.NewTextEnvelope("prev", "payload from upstream"),
	}
	_, err := executeAPIJob(context.Background(), hc, inputs)
	require.NoError(t, err)
	assert.Equal(t, "payload from upstream", string(received))
}

func TestAPIJobURLInterpolation(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{"url": srv.URL + "/items/{item_id}"})
	hc.Variables.Set("item_id", 42)

	_, err := executeAPIJob(context.Background(), hc, nil)
	require.NoError(t, err)
	assert.Equal(t, "/items/42", path)
}

func TestAPIJobServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{"url": srv.URL})
	_, err := executeAPIJob(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.Classify(err))
	assert.True(t, models.IsRetryable(err))
}

func TestAPIJobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hc := apiContext(t, map[string]any{"url": srv.URL})
	_, err := executeAPIJob(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.Classify(err))
	assert.False(t, models.IsRetryable(err))
}

func TestAPIJobWithoutHTTPService(t *testing.T) {
	hc := testContext(t, models.NodeTypeAPIJob, map[string]any{"url": "http://example.invalid"})
	_, err := executeAPIJob(context.Background(), hc, nil)
	require.Error(t, err)
	assert.Equal(t, models.KindDependencyUnmet, models.Classify(err))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}
