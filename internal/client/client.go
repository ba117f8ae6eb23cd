package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/lvbu1984/chunkd/internal/logging"
)

// Options tunes the retrying transport. Zero values keep retryablehttp's
// defaults.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       logging.Logger
	// HTTPClient replaces the pooled client retryablehttp builds by default.
	HTTPClient *http.Client
}

// Client talks to a chunkd server. Chunk uploads are retried freely since
// the server treats a re-sent chunk as an overwrite.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	logger  logging.Logger
}

func New(baseURL string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	rc := retryablehttp.NewClient()
	rc.Logger = opts.Logger
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	}
	// hand the last response back instead of a generic "giving up" error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = countAttempts

	return &Client{
		http:    rc,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  opts.Logger,
	}
}

type attemptsKey struct{}

// countAttempts stores the attempt number of a request whose context carries
// a counter. The first attempt is 0.
func countAttempts(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if n, ok := req.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
		n.Store(int32(attempt))
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a response with a non-2xx status.
type APIError struct {
	Status  int
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Missing returns the chunk indices the server reported as absent, if any.
func (e *APIError) Missing() []int {
	var missing []int
	if len(e.Data) > 0 {
		json.Unmarshal(e.Data, &missing)
	}
	return missing
}

func (c *Client) do(req *retryablehttp.Request) (*envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: env.Message, Data: env.Data}
	}
	return &env, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req.WithContext(ctx))
}

// UploadChunk sends one chunk and returns the indices the server now holds.
func (c *Client) UploadChunk(ctx context.Context, fileName string, index, total int, data []byte) ([]int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"fileName", fileName},
		{"chunkIndex", strconv.Itoa(index)},
		{"totalChunks", strconv.Itoa(total)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+"/chunk-upload", buf.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	env, err := c.do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("upload chunk %d: %w", index, err)
	}
	var received []int
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &received); err != nil {
			return nil, fmt.Errorf("decode received chunks: %w", err)
		}
	}
	return received, nil
}

// Progress returns the received indices, or false if the server has no
// record of fileName.
func (c *Client) Progress(ctx context.Context, fileName string) ([]int, bool, error) {
	env, err := c.postJSON(ctx, "/progress", map[string]string{"fileName": fileName})
	if err != nil {
		return nil, false, fmt.Errorf("progress: %w", err)
	}
	if env.Code == -1 {
		return nil, false, nil
	}
	var received []int
	if err := json.Unmarshal(env.Data, &received); err != nil {
		return nil, false, fmt.Errorf("decode progress: %w", err)
	}
	return received, true, nil
}

// MergeInfo is the server's description of a merged file.
type MergeInfo struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`

	// AlreadyMerged is set when a retried merge found the upload gone. An
	// earlier attempt succeeded but its response was lost, so FileName and
	// Size are unknown.
	AlreadyMerged bool `json:"-"`
}

// Merge asks the server to assemble fileName from total chunks.
func (c *Client) Merge(ctx context.Context, fileName string, total int) (*MergeInfo, error) {
	var attempts atomic.Int32
	ctx = context.WithValue(ctx, attemptsKey{}, &attempts)

	env, err := c.postJSON(ctx, "/merge", map[string]any{"fileName": fileName, "totalChunks": total})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && attempts.Load() > 0 {
		c.logger.Warn("merge retry found nothing to merge, assuming an earlier attempt succeeded",
			"file_name", fileName,
			"attempts", attempts.Load()+1,
		)
		return &MergeInfo{UploadID: fileName, Chunks: total, AlreadyMerged: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	var info MergeInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("decode merge result: %w", err)
	}
	return &info, nil
}

// Abandon asks the server to drop fileName's chunks. It reports whether the
// server had a record.
func (c *Client) Abandon(ctx context.Context, fileName string) (bool, error) {
	env, err := c.postJSON(ctx, "/abandon", map[string]string{"fileName": fileName})
	if err != nil {
		return false, fmt.Errorf("abandon: %w", err)
	}
	return env.Code == 0, nil
}
