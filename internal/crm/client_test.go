package crm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekerlabs/folharvest/internal/syncer"
)

// ==========================================
// Test Helpers
// ==========================================

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Token = "tok-test"
	cfg.BaseID = "appTEST"
	cfg.Table = "Addresses"
	cfg.PageSize = 2
	cfg.MaxRetries = 3
	cfg.RetryWait = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(testConfig(baseURL), createTestLogger())
	require.NoError(t, err)
	return client
}

// ==========================================
// Snapshot
// ==========================================

func TestFetchSnapshot_Paginates(t *testing.T) {
	var authHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "/appTEST/Addresses", r.URL.Path)

		if r.URL.Query().Get("offset") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"records": []map[string]any{
					{"id": "rec1", "fields": map[string]any{"Extra field 1": "f-1", "HOMES": 4}},
					{"id": "rec2", "fields": map[string]any{"Extra field 1": "f-2"}},
				},
				"offset": "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "rec3", "fields": map[string]any{"Extra field 1": "f-3"}},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snapshot, 3)
	assert.Equal(t, "rec1", snapshot["f-1"].RecordID)
	assert.Equal(t, float64(4), snapshot["f-1"].Fields["HOMES"])
	assert.Equal(t, "rec3", snapshot["f-3"].RecordID)
	assert.Equal(t, "Bearer tok-test", authHeader.Load())
}

func TestFetchSnapshot_SkipsRecordsWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "rec1", "fields": map[string]any{"Extra field 1": "f-1"}},
				{"id": "rec2", "fields": map[string]any{"First name": "no key"}},
				{"id": "rec3", "fields": map[string]any{"Extra field 1": "  "}},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snapshot, 1)
}

func TestFetchSnapshot_DuplicateKeyKeepsFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "rec1", "fields": map[string]any{"Extra field 1": "f-1"}},
				{"id": "rec2", "fields": map[string]any{"Extra field 1": "f-1"}},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rec1", snapshot["f-1"].RecordID)
}

// ==========================================
// Apply
// ==========================================

func TestApplyBatch_Patch(t *testing.T) {
	var got patchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(patchResponse{Records: got.Records})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.ApplyBatch(context.Background(), []syncer.Update{
		{EntityID: "f-1", RecordID: "rec1", Fields: map[string]any{"HOMES": "5"}},
		{EntityID: "f-2", RecordID: "rec2", Fields: map[string]any{"Email": "a@b.c"}},
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "rec1", got.Records[0].ID)
	assert.Equal(t, "5", got.Records[0].Fields["HOMES"])
}

func TestApplyBatch_RejectsOversizedBatch(t *testing.T) {
	client := newTestClient(t, "http://unused")

	updates := make([]syncer.Update, batchLimit+1)
	for i := range updates {
		updates[i] = syncer.Update{EntityID: "x", RecordID: "rec", Fields: map[string]any{}}
	}
	_, err := client.ApplyBatch(context.Background(), updates)
	require.Error(t, err)
}

func TestApplyBatch_EmptyIsNoop(t *testing.T) {
	client := newTestClient(t, "http://unused")

	results, err := client.ApplyBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

// ==========================================
// Retry Behavior
// ==========================================

func TestDo_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "INVALID_VALUE", "message": "bad field"},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchSnapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad field")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestNewClient_RequiresToken(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Token = ""
	_, err := NewClient(cfg, createTestLogger())
	require.Error(t, err)
}
