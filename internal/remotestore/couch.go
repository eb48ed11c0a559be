package remotestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CouchClient talks to a CouchDB-compatible HTTP API: a real CouchDB or
// the paksync document server. Reads are retried with backoff; writes are
// sent once, so a lost response surfaces as ErrTimeout or ErrUnavailable
// instead of being replayed.
type CouchClient struct {
	baseURL    string
	database   string
	username   string
	password   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

type CouchOptions struct {
	BaseURL    string
	Database   string
	Username   string
	Password   string
	HTTPClient *http.Client
	MaxRetries int
	Logger     *slog.Logger
}

func NewCouchClient(opts CouchOptions) *CouchClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:5984"
	}
	database := strings.Trim(strings.TrimSpace(opts.Database), "/")
	if database == "" {
		database = "saves"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CouchClient{
		baseURL:    baseURL,
		database:   database,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		logger:     logger,
	}
}

func (c *CouchClient) docPath(id string) string {
	return "/" + url.PathEscape(c.database) + "/" + url.PathEscape(id)
}

// EnsureDatabase creates the database if it does not exist yet.
func (c *CouchClient) EnsureDatabase(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(c.database), nil, nil)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return err
}

func (c *CouchClient) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	resp, err := c.do(ctx, http.MethodGet, c.docPath(id)+"?attachments=true", nil, nil)
	if err != nil {
		return Document{}, c.mapError(id, "", err)
	}
	if err := json.Unmarshal(resp, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *CouchClient) Put(ctx context.Context, id string, doc Document, rev string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidInput
	}
	doc.ID = id
	doc.Revision = rev
	if err := ValidateDocument(doc); err != nil {
		return "", err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPut, c.docPath(id), nil, body)
	if err != nil {
		return "", c.mapError(id, rev, err)
	}
	var out struct {
		OK  bool   `json:"ok"`
		Rev string `json:"rev"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", err
	}
	return out.Rev, nil
}

func (c *CouchClient) Delete(ctx context.Context, id, rev string) error {
	q := url.Values{}
	q.Set("rev", rev)
	_, err := c.do(ctx, http.MethodDelete, c.docPath(id)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return c.mapError(id, rev, err)
	}
	return nil
}

func (c *CouchClient) List(ctx context.Context) ([]Ref, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(c.database)+"/_all_docs", nil, nil)
	if err != nil {
		return nil, c.mapError("", "", err)
	}
	var out struct {
		Rows []struct {
			ID    string `json:"id"`
			Value struct {
				Rev string `json:"rev"`
			} `json:"value"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(out.Rows))
	for _, row := range out.Rows {
		if strings.HasPrefix(row.ID, "_design/") {
			continue
		}
		refs = append(refs, Ref{ID: row.ID, Revision: row.Value.Rev})
	}
	return refs, nil
}

// currentRevision asks for the stored revision after a conflict. Failures
// leave it unknown.
func (c *CouchClient) currentRevision(ctx context.Context, id string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+c.docPath(id), nil)
	if err != nil {
		return ""
	}
	c.decorate(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`)
}

func (c *CouchClient) mapError(id, rev string, err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	switch httpErr.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: c.currentRevision(ctx, id)}
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, httpErr.Message)
	}
	return err
}

func (c *CouchClient) decorate(req *http.Request) {
	if c.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		req.Header.Set("Authorization", "Basic "+token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (c *CouchClient) do(ctx context.Context, method, requestPath string, headers map[string]string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		c.decorate(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if idempotent(method) && attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("retrying request", "method", method, "path", requestPath, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, classifyTransportError(waitErr)
				}
				continue
			}
			return nil, classifyTransportError(err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, classifyTransportError(readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && idempotent(method) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, classifyTransportError(waitErr)
			}
			continue
		}

		var errPayload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    errPayload.Reason,
		}
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func correlationID() string {
	return "paksync_" + uuid.NewString()
}

func (c *CouchClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
