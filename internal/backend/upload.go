package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize is the byte-range size for ranged uploads.
	DefaultChunkSize = 5 * units.MiB

	// DefaultUploadConcurrency is how many ranges upload at once.
	DefaultUploadConcurrency = 4

	maxUploadConcurrency = 8
)

// UploadResult is the authoritative ingestion outcome, reported only by the
// request carrying the final byte range (or by a single-request upload).
type UploadResult struct {
	Status         string         `json:"status"`
	Filename       string         `json:"filename"`
	DocumentType   string         `json:"document_type"`
	TotalPages     int            `json:"total_pages"`
	ChunksTotal    int            `json:"chunks_total"`
	ChunksIngested int            `json:"chunks_ingested"`
	OwnerID        string         `json:"owner_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	UploadID       string         `json:"upload_id,omitempty"`
	BytesReceived  int64          `json:"bytes_received,omitempty"`
}

// Progress reports one completed byte range. Callbacks arrive in completion
// order, not byte order; UploadedBytes is monotonic regardless.
type Progress struct {
	UploadedBytes int64 // cumulative bytes across all completed ranges
	Start         int64 // completed range bounds, inclusive
	End           int64
	Total         int64
}

// UploadOptions tunes UploadFile. Zero values take the defaults.
type UploadOptions struct {
	ChunkSize int64 // default 5MiB

	// SingleRequestThreshold selects the single multipart request path for
	// files at or under it. Defaults to ChunkSize but is independent of it.
	SingleRequestThreshold int64

	Concurrency int // clamped to [1,8], default 4

	OnProgress func(Progress)
}

func (o *UploadOptions) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SingleRequestThreshold <= 0 {
		o.SingleRequestThreshold = o.ChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultUploadConcurrency
	}
	if o.Concurrency > maxUploadConcurrency {
		o.Concurrency = maxUploadConcurrency
	}
}

// byteRange is a contiguous slice of the file, bounds inclusive as in the
// Content-Range header.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) size() int64 {
	return r.end - r.start + 1
}

// splitRanges partitions [0, size) into contiguous chunkSize ranges; the last
// range may be shorter.
func splitRanges(size, chunkSize int64) []byteRange {
	var ranges []byteRange
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// progressTracker keeps per-range completion idempotent so a duplicate
// completion can never double-count bytes.
type progressTracker struct {
	mu    sync.Mutex
	done  map[int64]int64 // range start -> range size
	total int64
}

// complete records a finished range and returns the cumulative byte count.
func (p *progressTracker) complete(r byteRange) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.done[r.start]; !seen {
		p.done[r.start] = r.size()
	}
	var sum int64
	for _, n := range p.done {
		sum += n
	}
	return sum
}

// UploadFile ingests a document. Files at or under the threshold go up as a
// single multipart request; larger files are split into byte ranges that
// upload with bounded concurrency under one shared upload id. Any range
// failure aborts the whole upload; partial ranges are not rolled back
// client-side (the backend owns cleanup of an abandoned upload id).
func (c *Client) UploadFile(ctx context.Context, filePath string, opts UploadOptions) (*UploadResult, error) {
	opts.applyDefaults()

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("file %s is empty", filePath)
	}

	filename := filepath.Base(filePath)
	if size <= opts.SingleRequestThreshold {
		return c.uploadSingle(ctx, f, filename, size)
	}
	return c.uploadRanged(ctx, f, filename, size, opts)
}

// uploadSingle sends the whole file as one multipart request.
func (c *Client) uploadSingle(ctx context.Context, f *os.File, filename string, size int64) (*UploadResult, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	body, contentType, err := multipartFile(filename, data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/ingest", nil), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var result UploadResult
	if err := c.send(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// uploadRanged splits the file into byte ranges and uploads them with
// bounded concurrency. Only the request whose end offset equals size-1 may
// yield the authoritative result.
func (c *Client) uploadRanged(ctx context.Context, f *os.File, filename string, size int64, opts UploadOptions) (*UploadResult, error) {
	uploadID := uuid.NewString()
	ranges := splitRanges(size, opts.ChunkSize)

	tracker := &progressTracker{done: make(map[int64]int64), total: size}

	var mu sync.Mutex
	var final *UploadResult

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, r := range ranges {
		r := r
		g.Go(func() error {
			result, err := c.uploadRange(gctx, f, filename, uploadID, r, size)
			if err != nil {
				return fmt.Errorf("range %d-%d: %w", r.start, r.end, err)
			}

			if r.end == size-1 {
				mu.Lock()
				final = result
				mu.Unlock()
			}

			if opts.OnProgress != nil {
				uploaded := tracker.complete(r)
				opts.OnProgress(Progress{
					UploadedBytes: uploaded,
					Start:         r.start,
					End:           r.end,
					Total:         size,
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if final == nil {
		return nil, &UploadIncompleteError{UploadID: uploadID, Reason: "completing range returned no result"}
	}
	if final.Status != "success" {
		reason := final.Error
		if reason == "" {
			reason = fmt.Sprintf("completing range reported status %q", final.Status)
		}
		return nil, &UploadIncompleteError{UploadID: uploadID, Reason: reason}
	}
	return final, nil
}

// uploadRange sends one byte range. The file is read with ReadAt, so
// concurrent ranges can share the handle.
func (c *Client) uploadRange(ctx context.Context, f *os.File, filename, uploadID string, r byteRange, total int64) (*UploadResult, error) {
	data := make([]byte, r.size())
	if _, err := f.ReadAt(data, r.start); err != nil {
		return nil, fmt.Errorf("failed to read range: %w", err)
	}

	body, contentType, err := multipartFile(filename, data)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("upload_id", uploadID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/ingest-range", q), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	contentRange := fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, total)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Range", contentRange)
	// Some proxies strip or rename Content-Range on multipart requests; the
	// backend accepts this mirror header as a fallback.
	req.Header.Set("X-Content-Range", contentRange)

	var result UploadResult
	if err := c.send(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func multipartFile(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
