package ports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dipeo/dipeo/pkg/models"
)

// HTTPRequest describes one outbound HTTP call made by an api_job handler.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// HTTPResponse is the reply. Body is fully read.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPPort is the outbound HTTP collaborator. Errors carry retry-aware kinds:
// 5xx and 429 map to Transient, 4xx to HandlerFailure (404 to NotFound,
// 401/403 to PermissionDenied), network timeouts to Timeout.
type HTTPPort interface {
	Request(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// NetHTTP is an HTTPPort over net/http.
type NetHTTP struct {
	client *http.Client
}

// NewNetHTTP creates an HTTP port with the given default timeout.
func NewNetHTTP(timeout time.Duration) *NetHTTP {
	return &NetHTTP{client: &http.Client{Timeout: timeout}}
}

// Request performs the call and classifies failures.
func (h *NetHTTP) Request(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, models.NewError(models.KindValidation, "bad request: %v", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.WrapError(models.KindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, models.WrapError(models.KindCancelled, err)
		}
		// Network-level failures are retryable.
		return nil, models.WrapError(models.KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapError(models.KindTransient, fmt.Errorf("failed to read response body: %w", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := &HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: respBody}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return out, models.NewError(models.KindTransient, "http %d from %s", resp.StatusCode, req.URL)
	case resp.StatusCode == http.StatusNotFound:
		return out, models.NewError(models.KindNotFound, "http 404 from %s", req.URL)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return out, models.NewError(models.KindPermissionDenied, "http %d from %s", resp.StatusCode, req.URL)
	case resp.StatusCode >= 400:
		return out, models.NewError(models.KindHandlerFailure, "http %d from %s", resp.StatusCode, req.URL)
	}
	return out, nil
}
