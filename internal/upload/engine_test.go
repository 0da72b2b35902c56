package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/config"
	"github.com/fluidzero/fz-go/internal/credstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

// uploadServer fakes both the FluidZero API and the object store behind one
// httptest server. It records every part PUT and acknowledgement.
type uploadServer struct {
	t *testing.T

	partSize     int64
	totalParts   int
	isSinglePart bool
	mimeType     string

	mu        sync.Mutex
	puts      map[int]int // part number -> PUT attempts
	putHdrs   map[int]http.Header
	acks      []map[string]any
	completed bool
	deleted   bool

	// failPartOnce returns 500 for this part's first PUT.
	failPartOnce int

	resumeUploaded   int  // partsUploaded reported by GET /api/uploads/{id}
	failResumeStatus bool // GET /api/uploads/{id} returns 500

	srv *httptest.Server
}

func newUploadServer(t *testing.T, partSize int64, totalParts int, singlePart bool) *uploadServer {
	t.Helper()

	us := &uploadServer{
		t:          t,
		partSize:   partSize,
		totalParts: totalParts,

		isSinglePart: singlePart,
		puts:         map[int]int{},
		putHdrs:      map[int]http.Header{},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/projects/p1/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cli", req["sourceType"])

		us.mu.Lock()
		us.mimeType, _ = req["mimeType"].(string)
		us.mu.Unlock()

		urls := make([]map[string]any, us.totalParts)
		for i := range urls {
			urls[i] = map[string]any{
				"partNumber": i + 1,
				"url":        us.srv.URL + "/s3/" + strconv.Itoa(i+1),
			}
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"uploadId":      "u1",
			"partSizeBytes": us.partSize,
			"totalParts":    us.totalParts,
			"presignedUrls": urls,
			"isSinglePart":  us.isSinglePart,
		})
	})

	mux.HandleFunc("/s3/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)

		pn, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/s3/"))
		require.NoError(t, err)

		us.mu.Lock()
		us.puts[pn]++
		us.putHdrs[pn] = r.Header.Clone()
		attempt := us.puts[pn]
		us.mu.Unlock()

		if pn == us.failPartOnce && attempt == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("ETag", fmt.Sprintf("%q", "etag-"+strconv.Itoa(pn)))
	})

	mux.HandleFunc("/api/uploads/u1/parts", func(w http.ResponseWriter, r *http.Request) {
		var ack map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ack))

		us.mu.Lock()
		us.acks = append(us.acks, ack)
		us.mu.Unlock()

		_, _ = w.Write([]byte(`{}`))
	})

	mux.HandleFunc("/api/uploads/u1/complete", func(w http.ResponseWriter, _ *http.Request) {
		us.mu.Lock()
		us.completed = true
		us.mu.Unlock()

		_, _ = w.Write([]byte(`{"document":{"id":"d1","fileName":"f.pdf","status":"processing"}}`))
	})

	mux.HandleFunc("/api/uploads/u1/resume", func(w http.ResponseWriter, _ *http.Request) {
		remaining := make([]map[string]any, 0, us.totalParts-us.resumeUploaded)
		for pn := us.resumeUploaded + 1; pn <= us.totalParts; pn++ {
			remaining = append(remaining, map[string]any{
				"partNumber": pn,
				"url":        us.srv.URL + "/s3/" + strconv.Itoa(pn),
			})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"presignedUrls": remaining})
	})

	mux.HandleFunc("/api/uploads/u1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if us.failResumeStatus {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			_ = json.NewEncoder(w).Encode(map[string]any{"partsUploaded": us.resumeUploaded})
		case http.MethodDelete:
			us.mu.Lock()
			us.deleted = true
			us.mu.Unlock()

			_, _ = w.Write([]byte(`{}`))
		}
	})

	mux.HandleFunc("/api/documents/d1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"d1","status":"ready"}`))
	})

	us.srv = httptest.NewServer(mux)
	t.Cleanup(us.srv.Close)

	return us
}

func newTestEngine(t *testing.T, srvURL string) (*Engine, *bytes.Buffer) {
	t.Helper()

	store := credstore.New(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Save(&credstore.Credentials{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		APIURL:      srvURL,
	}))

	client := api.New(srvURL, store, testLogger())

	e := NewEngine(client, config.Default(), testLogger())
	e.sleepFunc = noSleep

	var stderr bytes.Buffer
	e.stderr = &stderr

	return e, &stderr
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestUploadFileMultipart(t *testing.T) {
	content := []byte("abcdefghijklmnopqrstuvw") // 23 bytes, 5 parts of 5
	us := newUploadServer(t, 5, 5, false)
	e, _ := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "f.pdf", content)

	var progressed int64
	doc, err := e.UploadFile(context.Background(), "p1", path, Options{
		Progress: func(n int64) { progressed += n },
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", doc.ID)
	assert.Equal(t, int64(len(content)), progressed)

	us.mu.Lock()
	defer us.mu.Unlock()

	require.Len(t, us.puts, 5)
	assert.True(t, us.completed)
	assert.False(t, us.deleted)

	// Every part carries a correct Content-MD5 and, being multipart, no
	// Content-Type.
	for pn := 1; pn <= 5; pn++ {
		hdr := us.putHdrs[pn]

		offset := int64(pn-1) * 5
		end := offset + 5
		if end > int64(len(content)) {
			end = int64(len(content))
		}

		sum := md5.Sum(content[offset:end])
		assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), hdr.Get("Content-MD5"), "part %d", pn)
		assert.Empty(t, hdr.Get("Content-Type"), "part %d", pn)
	}

	// All five parts acknowledged with unquoted ETags.
	require.Len(t, us.acks, 5)

	etags := make([]string, 0, 5)
	for _, ack := range us.acks {
		etags = append(etags, ack["etag"].(string))
	}

	sort.Strings(etags)
	assert.Equal(t, []string{"etag-1", "etag-2", "etag-3", "etag-4", "etag-5"}, etags)
}

func TestUploadFileSinglePartSetsContentType(t *testing.T) {
	us := newUploadServer(t, 1024, 1, true)
	e, _ := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "scan.pdf", []byte("tiny"))

	_, err := e.UploadFile(context.Background(), "p1", path, Options{})
	require.NoError(t, err)

	us.mu.Lock()
	defer us.mu.Unlock()
	assert.Equal(t, "application/pdf", us.putHdrs[1].Get("Content-Type"))
}

func TestUploadFileZeroByte(t *testing.T) {
	us := newUploadServer(t, 1024, 1, true)
	e, _ := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "empty.txt", nil)

	_, err := e.UploadFile(context.Background(), "p1", path, Options{})
	require.NoError(t, err)

	us.mu.Lock()
	defer us.mu.Unlock()

	// MD5 of the empty input.
	assert.Equal(t, "1B2M2Y8AsgTpgAmY7PhCfg==", us.putHdrs[1].Get("Content-MD5"))
	assert.True(t, us.completed)
}

func TestUploadFileRetriesFailedPart(t *testing.T) {
	us := newUploadServer(t, 5, 2, false)
	us.failPartOnce = 2

	e, stderr := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "f.pdf", []byte("0123456789"))

	_, err := e.UploadFile(context.Background(), "p1", path, Options{})
	require.NoError(t, err)

	us.mu.Lock()
	defer us.mu.Unlock()
	assert.Equal(t, 1, us.puts[1])
	assert.Equal(t, 2, us.puts[2])
	assert.Contains(t, stderr.String(), "Retry 1/3 for part 2")
}

func TestUploadFileAbortDeletesUpload(t *testing.T) {
	us := newUploadServer(t, 5, 3, false)
	e, _ := newTestEngine(t, us.srv.URL)
	e.Abort()

	path := writeTempFile(t, "f.pdf", []byte("0123456789abcde"))

	_, err := e.UploadFile(context.Background(), "p1", path, Options{})
	require.ErrorIs(t, err, ErrAborted)

	us.mu.Lock()
	defer us.mu.Unlock()
	assert.False(t, us.completed, "aborted uploads are never completed")
	assert.True(t, us.deleted)
}

func TestUploadFileResumeSkipsUploadedParts(t *testing.T) {
	us := newUploadServer(t, 5, 4, false)
	us.resumeUploaded = 2

	e, stderr := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "f.pdf", []byte("0123456789abcdefghij"))

	_, err := e.UploadFile(context.Background(), "p1", path, Options{Resume: true})
	require.NoError(t, err)

	us.mu.Lock()
	defer us.mu.Unlock()

	assert.NotContains(t, us.puts, 1)
	assert.NotContains(t, us.puts, 2)
	assert.Equal(t, 1, us.puts[3])
	assert.Equal(t, 1, us.puts[4])
	assert.Contains(t, stderr.String(), "Resuming: 2/4 parts already uploaded")
}

func TestUploadFileResumeStatusFailureAborts(t *testing.T) {
	us := newUploadServer(t, 5, 4, false)
	us.failResumeStatus = true

	e, _ := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "f.pdf", []byte("0123456789abcdefghij"))

	_, err := e.UploadFile(context.Background(), "p1", path, Options{Resume: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Server error")

	us.mu.Lock()
	defer us.mu.Unlock()

	assert.Empty(t, us.puts, "no parts upload against possibly stale URLs")
	assert.False(t, us.completed)
}

func TestUploadFileWaitPollsDocument(t *testing.T) {
	us := newUploadServer(t, 1024, 1, true)
	e, _ := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "f.pdf", []byte("x"))

	doc, err := e.UploadFile(context.Background(), "p1", path, Options{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, api.DocumentReady, doc.Status)
}

func TestWaitForReadyTimesOutWithSentinelStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/documents/d9" {
			_, _ = w.Write([]byte(`{"id":"d9","status":"processing"}`))
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, stderr := newTestEngine(t, srv.URL)

	// Advance the clock past the budget after the first poll.
	now := time.Now()
	e.now = func() time.Time { return now }
	e.sleepFunc = func(_ context.Context, _ time.Duration) error {
		now = now.Add(readyTimeout)
		return nil
	}

	doc, err := e.WaitForReady(context.Background(), "d9")
	require.NoError(t, err)
	assert.Equal(t, api.DocumentTimeout, doc.Status)
	assert.Contains(t, stderr.String(), "timed out")
}

func TestWaitForReadyReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"d1","status":"failed","errorMessage":"corrupt file"}`))
	}))
	defer srv.Close()

	e, stderr := newTestEngine(t, srv.URL)

	doc, err := e.WaitForReady(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, api.DocumentFailed, doc.Status)
	assert.Contains(t, stderr.String(), "corrupt file")
}

func TestUploadFilesRejectsUnreadableFile(t *testing.T) {
	us := newUploadServer(t, 1024, 1, true)
	e, _ := newTestEngine(t, us.srv.URL)

	good := writeTempFile(t, "a.pdf", []byte("x"))
	missing := filepath.Join(t.TempDir(), "missing.pdf")

	_, err := e.UploadFiles(context.Background(), "p1", []string{good, missing}, MultiOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot read")

	us.mu.Lock()
	defer us.mu.Unlock()
	assert.Empty(t, us.puts, "nothing uploads when the file set is invalid")
}

func TestUploadFilesSummary(t *testing.T) {
	us := newUploadServer(t, 1024, 1, true)
	e, stderr := newTestEngine(t, us.srv.URL)

	path := writeTempFile(t, "a.pdf", []byte("hello"))

	docs, err := e.UploadFiles(context.Background(), "p1", []string{path}, MultiOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, stderr.String(), "Uploading a.pdf (5.0 B)")
	assert.Contains(t, stderr.String(), "Uploaded 1 document(s) (5.0 B total)")
}
