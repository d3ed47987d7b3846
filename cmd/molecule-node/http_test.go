package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T) *molecule.Broker {
	t.Helper()
	b, err := molecule.Create(
		molecule.WithNodeID("http-node"),
		molecule.WithMetricSink(&metrics.BlackholeSink{}),
		molecule.WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	)
	require.NoError(t, err)
	require.NoError(t, b.AddService(molecule.Service{
		Name: "math",
		Actions: []molecule.Action{
			{
				Name: "add",
				Handler: func(ctx *molecule.Context) (any, error) {
					p := ctx.Params.(map[string]any)
					return p["a"].(float64) + p["b"].(float64), nil
				},
			},
			{
				Name: "slow",
				Handler: func(ctx *molecule.Context) (any, error) {
					select {
					case <-time.After(time.Second):
						return "done", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		},
	}))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Stop(context.Background()) })
	return b
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) (int, map[string]any, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var obj map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &obj)
	return rec.Code, obj, rec.Body.Bytes()
}

func TestRouter(t *testing.T) {
	b := testBroker(t)
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	h := newRouter(b, metricsHandler, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	t.Run("metrics", func(t *testing.T) {
		code, _, body := do(t, h, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "metrics", string(body))
	})

	t.Run("nodes", func(t *testing.T) {
		code, _, body := do(t, h, http.MethodGet, "/nodes", nil)
		require.Equal(t, http.StatusOK, code)
		var nodes []map[string]any
		require.NoError(t, json.Unmarshal(body, &nodes))
		require.Len(t, nodes, 1)
		require.Equal(t, "http-node", nodes[0]["id"])
		require.Equal(t, true, nodes[0]["local"])
	})

	t.Run("health", func(t *testing.T) {
		code, obj, _ := do(t, h, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "http-node", obj["nodeID"])
		require.Equal(t, molecule.Version, obj["version"])
	})

	t.Run("actions by prefix", func(t *testing.T) {
		code, _, body := do(t, h, http.MethodGet, "/actions?prefix=math.", nil)
		require.Equal(t, http.StatusOK, code)
		require.Contains(t, string(body), "math.add")
		require.NotContains(t, string(body), "$node.list")
	})

	t.Run("call", func(t *testing.T) {
		code, _, body := do(t, h, http.MethodPost, "/call/math.add", []byte(`{"a": 2, "b": 40}`))
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, "42", string(body))
	})

	t.Run("invalid body", func(t *testing.T) {
		code, obj, _ := do(t, h, http.MethodPost, "/call/math.add", []byte(`{"a":`))
		require.Equal(t, http.StatusUnprocessableEntity, code)
		require.Equal(t, "ValidationError", obj["name"])
	})

	t.Run("unknown action", func(t *testing.T) {
		code, obj, _ := do(t, h, http.MethodPost, "/call/math.sub", nil)
		require.Equal(t, http.StatusNotFound, code)
		require.Equal(t, "ServiceNotFoundError", obj["name"])
	})

	t.Run("timeout", func(t *testing.T) {
		code, obj, _ := do(t, h, http.MethodPost, "/call/math.slow?timeout=20ms", nil)
		require.Equal(t, http.StatusGatewayTimeout, code)
		require.Equal(t, "RequestTimeoutError", obj["name"])

		code, _, _ = do(t, h, http.MethodPost, "/call/math.slow?timeout=soon", nil)
		require.Equal(t, http.StatusUnprocessableEntity, code)
	})
}
