package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/config"
	"github.com/fluidzero/fz-go/internal/credstore"
	"github.com/fluidzero/fz-go/internal/upload"
)

func TestPartition(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, partition(files, 2))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, partition(files, 10))
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}, partition(files, 1))
	assert.Nil(t, partition(nil, 3))
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	sink, err := newJSONLSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.WriteAll([]json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
	}))
	require.NoError(t, sink.WriteAll([]json.RawMessage{
		json.RawMessage(`{"n":3}`),
	}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"n":1}`, lines[0])
	assert.JSONEq(t, `{"n":3}`, lines[2])
}

func TestJSONLSinkBadPath(t *testing.T) {
	_, err := newJSONLSink(filepath.Join(t.TempDir(), "missing", "out.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot write")
}

// batchServer fakes the full pipeline: single-part uploads, document
// readiness, run creation, and one results page per run.
type batchServer struct {
	mu       sync.Mutex
	uploads  int
	runs     int
	resulted []string

	srv *httptest.Server
}

func newBatchServer(t *testing.T, resultsPerRun int) *batchServer {
	t.Helper()

	bs := &batchServer{}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/projects/p1/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileSizeBytes int64 `json:"fileSizeBytes"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		bs.mu.Lock()
		bs.uploads++
		id := fmt.Sprintf("u%d", bs.uploads)
		bs.mu.Unlock()

		fmt.Fprintf(w, `{
			"uploadId": %q,
			"partSizeBytes": %d,
			"totalParts": 1,
			"isSinglePart": true,
			"presignedUrls": [{"partNumber": 1, "url": %q}]
		}`, id, req.FileSizeBytes, bs.srv.URL+"/s3/"+id)
	})

	mux.HandleFunc("PUT /s3/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"etag-1"`)
	})

	mux.HandleFunc("POST /api/uploads/{id}/parts", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	mux.HandleFunc("POST /api/uploads/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"document":{"id":"doc-%s","status":"ready"}}`, r.PathValue("id"))
	})

	mux.HandleFunc("GET /api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"status":"ready"}`, r.PathValue("id"))
	})

	mux.HandleFunc("POST /api/projects/p1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "schema-1", req["schemaDefinitionId"])

		bs.mu.Lock()
		bs.runs++
		id := fmt.Sprintf("run-%d", bs.runs)
		bs.mu.Unlock()

		fmt.Fprintf(w, `{"id":%q,"status":"pending"}`, id)
	})

	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%q,"status":"completed"}`, r.PathValue("id"))
	})

	mux.HandleFunc("GET /api/runs/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		bs.resulted = append(bs.resulted, r.PathValue("id"))
		bs.mu.Unlock()

		items := make([]map[string]any, resultsPerRun)
		for i := range items {
			items[i] = map[string]any{"runId": r.PathValue("id"), "sequenceNumber": i}
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "total": len(items)})
	})

	bs.srv = httptest.NewServer(mux)
	t.Cleanup(bs.srv.Close)

	return bs
}

func newTestRunner(t *testing.T, srvURL string) *Runner {
	t.Helper()

	t.Setenv("FZ_CLIENT_ID", "")
	t.Setenv("FZ_CLIENT_SECRET", "")

	store := credstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Save(&credstore.Credentials{
		AccessToken:  "test-token",
		RefreshToken: "test-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		APIURL:       srvURL,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	client := api.New(srvURL, store, logger)
	engine := upload.NewEngine(client, config.Default(), logger)

	return NewRunner(client, engine, logger)
}

func writeBatchDir(t *testing.T, count int) string {
	t.Helper()

	dir := t.TempDir()

	for i := 0; i < count; i++ {
		name := filepath.Join(dir, fmt.Sprintf("doc-%02d.pdf", i))
		require.NoError(t, os.WriteFile(name, []byte("pdf bytes"), 0o644))
	}

	return dir
}

func TestProcessCollectsResultsInMemory(t *testing.T) {
	bs := newBatchServer(t, 2)
	r := newTestRunner(t, bs.srv.URL)
	dir := writeBatchDir(t, 5)

	result, err := r.Process(context.Background(), "p1", dir, Options{
		SchemaDefinitionID: "schema-1",
		BatchSize:          2,
		Quiet:              true,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Files)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 6, result.ResultCount)
	assert.Len(t, result.Results, 6)

	assert.Equal(t, 5, bs.uploads)
	assert.Equal(t, 3, bs.runs)
	assert.Equal(t, []string{"run-1", "run-2", "run-3"}, bs.resulted)
}

func TestProcessStreamsToJSONL(t *testing.T) {
	bs := newBatchServer(t, 3)
	r := newTestRunner(t, bs.srv.URL)
	dir := writeBatchDir(t, 2)
	out := filepath.Join(t.TempDir(), "results.jsonl")

	result, err := r.Process(context.Background(), "p1", dir, Options{
		SchemaDefinitionID: "schema-1",
		BatchSize:          10,
		OutputFile:         out,
		Quiet:              true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 3, result.ResultCount)
	assert.Nil(t, result.Results, "streamed results stay out of memory")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)
}

func TestProcessEmptyDirectory(t *testing.T) {
	bs := newBatchServer(t, 0)
	r := newTestRunner(t, bs.srv.URL)

	_, err := r.Process(context.Background(), "p1", t.TempDir(), Options{
		SchemaDefinitionID: "schema-1",
		Quiet:              true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No supported files found")
	assert.Equal(t, 0, bs.uploads)
}

func TestProcessBatchSizeFloor(t *testing.T) {
	bs := newBatchServer(t, 1)
	r := newTestRunner(t, bs.srv.URL)
	dir := writeBatchDir(t, 2)

	result, err := r.Process(context.Background(), "p1", dir, Options{
		SchemaDefinitionID: "schema-1",
		BatchSize:          0,
		Quiet:              true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Batches, "batch size below one processes one file per batch")
	assert.Equal(t, 2, bs.runs)
}
