// Package upload implements the multipart document upload engine: the 4-step
// presigned-URL flow (init, parallel part PUTs to object storage, background
// part acknowledgement, complete), cooperative cancellation, resume of
// interrupted uploads, and the optional wait-for-ready poll.
package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluidzero/fz-go/internal/api"
	"github.com/fluidzero/fz-go/internal/auth"
	"github.com/fluidzero/fz-go/internal/config"
)

const (
	// reportWorkers bounds the background part-acknowledgement pool.
	reportWorkers = 2

	readyPollInterval = 2 * time.Second
	readyTimeout      = 600 * time.Second
)

// ErrAborted reports that the user cancelled an in-flight upload.
var ErrAborted = errors.New("upload: cancelled by user")

// Engine drives multipart uploads for one invocation. It is not reusable
// across commands; the abort flag is one-way.
type Engine struct {
	api    *api.Client
	logger *slog.Logger
	stderr io.Writer

	s3          *http.Client
	concurrency int
	maxRetries  int

	aborted atomic.Bool

	// Injection points for tests.
	sleepFunc auth.SleepFunc
	now       func() time.Time
}

// NewEngine builds an Engine using the configured concurrency and retry
// budget. The object-storage client gets its own connection pool sized to the
// worker count; presigned PUTs never share connections with API calls.
func NewEngine(client *api.Client, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.UploadConcurrency
	if concurrency < 1 {
		concurrency = config.DefaultUploadConcurrency
	}

	maxRetries := cfg.UploadRetryAttempts
	if maxRetries < 1 {
		maxRetries = config.DefaultUploadRetryAttempts
	}

	return &Engine{
		api:    client,
		logger: logger,
		stderr: os.Stderr,
		s3: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     concurrency + 2,
				MaxIdleConnsPerHost: concurrency,
			},
		},
		concurrency: concurrency,
		maxRetries:  maxRetries,
		sleepFunc:   auth.Sleep,
		now:         time.Now,
	}
}

// Abort requests cooperative cancellation. In-flight parts stop before their
// next attempt and the upload record is deleted server-side.
func (e *Engine) Abort() {
	e.aborted.Store(true)
}

// Aborted reports whether cancellation was requested.
func (e *Engine) Aborted() bool {
	return e.aborted.Load()
}

// Options configures a single file upload.
type Options struct {
	Wait     bool // poll the document until ready after completing
	Resume   bool // re-request presigned URLs for parts not yet uploaded
	Progress func(bytes int64)
}

// initResponse is the server's answer to the upload-init call.
type initResponse struct {
	UploadID      string         `json:"uploadId"`
	PartSizeBytes int64          `json:"partSizeBytes"`
	TotalParts    int            `json:"totalParts"`
	PresignedURLs []presignedURL `json:"presignedUrls"`
	IsSinglePart  bool           `json:"isSinglePart"`
}

type presignedURL struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

type uploadStatus struct {
	PartsUploaded int `json:"partsUploaded"`
}

type resumeResponse struct {
	PresignedURLs []presignedURL `json:"presignedUrls"`
}

// partAck is the payload acknowledging one uploaded part to the backend.
type partAck struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"sizeBytes"`
}

// part is the local work item for one presigned PUT.
type part struct {
	number int
	url    string
	offset int64
	size   int64
}

// UploadFile uploads one file through the multipart flow and returns the
// resulting document. On cancellation or failure the upload record is deleted
// server-side on a best-effort basis before the error propagates.
func (e *Engine) UploadFile(ctx context.Context, projectID, path string, opts Options) (*api.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, api.Exitf(api.ExitGeneralError, "Cannot read %s: %v", path, err)
	}

	fileName := filepath.Base(path)
	fileSize := info.Size()
	mimeType := GuessMIME(path)

	var init initResponse

	initReq := map[string]any{
		"fileName":      fileName,
		"fileSizeBytes": fileSize,
		"mimeType":      mimeType,
		"sourceType":    "cli",
	}

	if err := e.api.PostJSON(ctx, "/api/projects/"+projectID+"/uploads/init", initReq, &init); err != nil {
		return nil, err
	}

	e.logger.Debug("upload initialized",
		slog.String("upload_id", init.UploadID),
		slog.Int("total_parts", init.TotalParts),
		slog.Int64("part_size", init.PartSizeBytes),
	)

	urls := init.PresignedURLs

	if opts.Resume && !init.IsSinglePart {
		fresh, uploaded, err := e.resume(ctx, init.UploadID)
		if err != nil {
			return nil, err
		}

		if uploaded > 0 {
			urls = fresh
			fmt.Fprintf(e.stderr, "  Resuming: %d/%d parts already uploaded\n", uploaded, init.TotalParts)
		}
	}

	parts := make([]part, 0, len(urls))
	for _, u := range urls {
		offset := int64(u.PartNumber-1) * init.PartSizeBytes

		size := init.PartSizeBytes
		if remaining := fileSize - offset; remaining < size {
			size = remaining
		}

		parts = append(parts, part{number: u.PartNumber, url: u.URL, offset: offset, size: size})
	}

	if err := e.uploadParts(ctx, init.UploadID, path, parts, init.IsSinglePart, mimeType, opts.Progress); err != nil {
		e.deleteUpload(init.UploadID)
		return nil, err
	}

	var complete struct {
		Document json.RawMessage `json:"document"`
	}

	if err := e.api.PostJSON(ctx, "/api/uploads/"+init.UploadID+"/complete", nil, &complete); err != nil {
		return nil, err
	}

	doc, err := api.DecodeDocument(complete.Document)
	if err != nil || doc.ID == "" {
		doc = &api.Document{ID: init.UploadID}
	}

	if opts.Wait {
		return e.WaitForReady(ctx, doc.ID)
	}

	return doc, nil
}

// resume fetches the current upload state and, when parts already landed,
// requests fresh presigned URLs for the remainder.
func (e *Engine) resume(ctx context.Context, uploadID string) ([]presignedURL, int, error) {
	var status uploadStatus
	if err := e.api.GetJSON(ctx, "/api/uploads/"+uploadID, nil, &status); err != nil {
		return nil, 0, err
	}

	if status.PartsUploaded == 0 {
		return nil, 0, nil
	}

	var resumed resumeResponse
	if err := e.api.PostJSON(ctx, "/api/uploads/"+uploadID+"/resume", nil, &resumed); err != nil {
		return nil, 0, err
	}

	return resumed.PresignedURLs, status.PartsUploaded, nil
}

// uploadParts PUTs every part concurrently and acknowledges each to the
// backend from a small background pool. The first part failure aborts the
// rest; acknowledgement failures only warn.
func (e *Engine) uploadParts(ctx context.Context, uploadID, path string, parts []part, isSinglePart bool, mimeType string, progress func(int64)) error {
	putGroup, putCtx := errgroup.WithContext(ctx)
	putGroup.SetLimit(e.concurrency)

	var reportGroup errgroup.Group
	reportGroup.SetLimit(reportWorkers)

	var progressMu sync.Mutex

	for _, p := range parts {
		putGroup.Go(func() error {
			etag, n, err := e.uploadPart(putCtx, path, p, isSinglePart, mimeType)
			if err != nil {
				e.aborted.Store(true)
				return err
			}

			ack := partAck{PartNumber: p.number, ETag: etag, SizeBytes: n}

			reportGroup.Go(func() error {
				e.reportPart(uploadID, ack)
				return nil
			})

			if progress != nil {
				progressMu.Lock()
				progress(n)
				progressMu.Unlock()
			}

			return nil
		})
	}

	err := putGroup.Wait()
	_ = reportGroup.Wait()

	return err
}

// uploadPart PUTs one part to its presigned URL, re-reading the byte range
// from disk on every attempt so a partially consumed body never retries.
func (e *Engine) uploadPart(ctx context.Context, path string, p part, isSinglePart bool, mimeType string) (string, int64, error) {
	timeout := partTimeout(p.size)

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if e.aborted.Load() {
			return "", 0, ErrAborted
		}

		chunk, err := readChunk(path, p.offset, p.size)
		if err != nil {
			return "", 0, api.Exitf(api.ExitGeneralError, "Part %d: reading %s: %v", p.number, path, err)
		}

		etag, status, err := e.putPart(ctx, p.url, chunk, isSinglePart, mimeType, timeout)
		if err == nil && status < 400 {
			return etag, int64(len(chunk)), nil
		}

		last := attempt == e.maxRetries-1

		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			if last {
				return "", 0, api.Exitf(api.ExitGeneralError,
					"Part %d: upload timed out after %.0fs", p.number, timeout.Seconds())
			}

			fmt.Fprintf(e.stderr, "  Retry %d/%d for part %d (timeout)\n", attempt+1, e.maxRetries, p.number)
		case err != nil:
			if ctx.Err() != nil {
				return "", 0, ErrAborted
			}

			if last {
				return "", 0, api.Exitf(api.ExitNetworkError, "Part %d: %v", p.number, err)
			}

			fmt.Fprintf(e.stderr, "  Retry %d/%d for part %d (network error)\n", attempt+1, e.maxRetries, p.number)
		default:
			if last {
				return "", 0, api.Exitf(api.ExitGeneralError, "Part %d: HTTP %d", p.number, status)
			}

			fmt.Fprintf(e.stderr, "  Retry %d/%d for part %d (HTTP %d)\n", attempt+1, e.maxRetries, p.number, status)
		}

		if sleepErr := e.sleepFunc(ctx, auth.RetryDelay(attempt)); sleepErr != nil {
			return "", 0, ErrAborted
		}
	}

	return "", 0, api.Exitf(api.ExitGeneralError, "Failed to upload part %d after %d retries", p.number, e.maxRetries)
}

// putPart performs a single PUT attempt against object storage.
func (e *Engine) putPart(ctx context.Context, url string, chunk []byte, isSinglePart bool, mimeType string, timeout time.Duration) (string, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPut, url, bytes.NewReader(chunk))
	if err != nil {
		return "", 0, err
	}

	sum := md5.Sum(chunk)
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))

	// Single-part presigned URLs sign the content type; multipart URLs do not.
	if isSinglePart {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := e.s3.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)

	return etag, resp.StatusCode, nil
}

// reportPart acknowledges one uploaded part to the backend. Failures warn;
// the server reconciles missing acknowledgements at completion.
func (e *Engine) reportPart(uploadID string, ack partAck) {
	if e.aborted.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.api.Post(ctx, "/api/uploads/"+uploadID+"/parts", ack); err != nil {
		fmt.Fprintf(e.stderr, "  Warning: failed to report part %d: %v\n", ack.PartNumber, err)
	}
}

// deleteUpload removes an abandoned upload record, best effort.
func (e *Engine) deleteUpload(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.api.Delete(ctx, "/api/uploads/"+uploadID); err != nil {
		e.logger.Debug("failed to delete abandoned upload",
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// WaitForReady polls a document until it is ready or failed. Exceeding the
// poll budget returns a snapshot carrying the local timeout status rather
// than an error; callers decide whether that is fatal.
func (e *Engine) WaitForReady(ctx context.Context, docID string) (*api.Document, error) {
	start := e.now()

	for e.now().Sub(start) < readyTimeout {
		doc, err := e.api.GetDocument(ctx, docID)
		if err != nil {
			return nil, err
		}

		switch doc.Status {
		case api.DocumentReady:
			fmt.Fprintf(e.stderr, "  Processing... ready (%.0fs)\n", e.now().Sub(start).Seconds())
			return doc, nil
		case api.DocumentFailed:
			msg := doc.ErrorMessage
			if msg == "" {
				msg = "unknown error"
			}

			fmt.Fprintf(e.stderr, "  Processing... failed: %s\n", msg)

			return doc, nil
		}

		if err := e.sleepFunc(ctx, readyPollInterval); err != nil {
			return nil, ErrAborted
		}
	}

	fmt.Fprintf(e.stderr, "  Processing... timed out after %.0fs\n", readyTimeout.Seconds())

	return &api.Document{ID: docID, Status: api.DocumentTimeout}, nil
}

// readChunk reads one part's byte range from disk.
func readChunk(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)

	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return buf[:n], nil
}

// partTimeout scales the PUT deadline with part size: 30 seconds per MiB,
// never below a minute.
func partTimeout(size int64) time.Duration {
	sizeMB := float64(size) / (1 << 20)

	timeout := time.Duration(sizeMB * 30 * float64(time.Second))
	if timeout < 60*time.Second {
		timeout = 60 * time.Second
	}

	return timeout
}

// ScanDirectory lists supported document files directly under dir, sorted by
// name. Subdirectories are not descended into.
func ScanDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, api.Exitf(api.ExitGeneralError, "Cannot read directory %s: %v", dir, err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !SupportedExtension(entry.Name()) {
			continue
		}

		files = append(files, filepath.Join(dir, entry.Name()))
	}

	sort.Strings(files)

	return files, nil
}
