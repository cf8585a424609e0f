package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
)

// maxResultBytes caps how much of an analyzer response is read.
const maxResultBytes = 4 << 20

// AnalyzeRequest is one analyzer call. Open returns a fresh reader over the
// file content and may be called more than once.
type AnalyzeRequest struct {
	JobID    string
	FileName string
	FileSize int64
	FileHash string
	Content  *hasher.Metadata
	Options  map[string]string
	Open     func() (io.ReadCloser, error)
}

// Analyzer scores a file. Errors classified as apperr.KindTransient are
// retried by the processor; any other error fails the job.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// HTTPAnalyzer posts file content to a scoring service. The transport
// retries connection failures; status based retries belong to the processor.
type HTTPAnalyzer struct {
	url      string
	client   *retryablehttp.Client
	throttle *rate.Limiter
}

func NewHTTPAnalyzer(cfg config.AnalyzerConfig, logger *slog.Logger) *HTTPAnalyzer {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.HTTPRetries
	client.Logger = logger
	client.HTTPClient.Timeout = cfg.Timeout
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	// hand the final response back instead of a "giving up" error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPAnalyzer{
		url:      cfg.URL,
		client:   client,
		throttle: rate.NewLimiter(limit, burst),
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	const op = "analysis.HTTPAnalyzer"

	if err := a.throttle.Wait(ctx); err != nil {
		return nil, apperr.Transient(op, err)
	}

	body := retryablehttp.ReaderFunc(func() (io.Reader, error) { return req.Open() })
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	httpReq.ContentLength = req.FileSize
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Job-Id", req.JobID)
	httpReq.Header.Set("X-File-Name", req.FileName)
	httpReq.Header.Set("X-File-Sha256", req.FileHash)
	httpReq.Header.Set("X-File-Size", strconv.FormatInt(req.FileSize, 10))
	if req.Content != nil {
		httpReq.Header.Set("X-File-Mime-Type", req.Content.MIMEType)
	}
	if len(req.Options) > 0 {
		opts, err := json.Marshal(req.Options)
		if err != nil {
			return nil, fmt.Errorf("%s: encode options: %w", op, err)
		}
		httpReq.Header.Set("X-Analysis-Options", string(opts))
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, apperr.Transient(op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.Transient(op, fmt.Errorf("analyzer returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("analyzer rejected file with status %d: %s", resp.StatusCode, snippet(payload))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("analyzer returned unexpected status %d", resp.StatusCode)
	}
	if !json.Valid(payload) {
		return nil, errors.New("analyzer returned a non-JSON result")
	}
	return json.RawMessage(payload), nil
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
