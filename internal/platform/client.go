package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/querydeck/querydeck/internal/view"
)

type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Client issues the two remote calls the engine needs against the named
// query resource: a best-effort materialize call and a page fetch. It
// classifies failures but never retries a fatal class; transient failures
// are retried a bounded number of times with jittered exponential backoff
// before being surfaced to the orchestrator.
type Client struct {
	httpClient     *http.Client
	logger         *slog.Logger
	maxRetries     int
	retryBaseDelay time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
		maxRetries:     maxRetries,
		retryBaseDelay: baseDelay,
	}
}

// Prime asks the platform to materialize or refresh the resource before it
// is read. STATIC and PARAMETERIZED resources do not support priming, so a
// failure here is logged and swallowed by the caller, never treated as
// evidence of a real problem.
func (c *Client) Prime(ctx context.Context, cred view.Credential, resourceID string) error {
	endpoint, err := c.resourceURL(cred, resourceID, "refresh", nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build prime request: %w", err)
	}
	c.authorize(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &view.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, "prime resource")
	}
	return nil
}

// FetchPage retrieves one page of the resource's result set. Parameters
// are passed with the platform's substitution syntax (var=name:value) and
// result filters with its criteria syntax (criteria=column:value).
func (c *Client) FetchPage(ctx context.Context, cred view.Credential, pageReq view.PageRequest) (any, error) {
	values := url.Values{}
	for _, parameter := range pageReq.Parameters {
		values.Add("var", parameter.Name+":"+parameter.Value)
	}
	for _, column := range sortedFilterColumns(pageReq.ResultFilters) {
		values.Add("criteria", column+":"+pageReq.ResultFilters[column])
	}
	values.Set("page", strconv.Itoa(pageReq.Page))
	values.Set("pageSize", strconv.Itoa(pageReq.PageSize))
	if pageReq.Format != "" {
		values.Set("format", pageReq.Format)
	}

	endpoint, err := c.resourceURL(cred, pageReq.ResourceID, "data", values)
	if err != nil {
		return nil, err
	}

	var payload any
	err = c.withRetry(ctx, func() error {
		var attemptErr error
		payload, attemptErr = c.fetchOnce(ctx, cred, endpoint)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Metadata reads the resource definition. Results are not cached here; the
// caller may cache separately.
func (c *Client) Metadata(ctx context.Context, cred view.Credential, resourceID string) (view.QueryResource, error) {
	endpoint, err := c.resourceURL(cred, resourceID, "", nil)
	if err != nil {
		return view.QueryResource{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return view.QueryResource{}, fmt.Errorf("build metadata request: %w", err)
	}
	c.authorize(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return view.QueryResource{}, &view.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return view.QueryResource{}, &view.TransientError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return view.QueryResource{}, classifyStatus(resp.StatusCode, "fetch metadata")
	}

	var parsed struct {
		ID         string `json:"id"`
		Kind       string `json:"kind"`
		Definition string `json:"definition"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return view.QueryResource{}, fmt.Errorf("decode metadata response: %w", err)
	}
	resource := view.QueryResource{
		ID:            parsed.ID,
		Kind:          view.Kind(strings.ToUpper(strings.TrimSpace(parsed.Kind))),
		RawDefinition: parsed.Definition,
	}
	if resource.ID == "" {
		resource.ID = resourceID
	}
	return resource, nil
}

func (c *Client) fetchOnce(ctx context.Context, cred view.Credential, endpoint string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	c.authorize(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &view.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &view.TransientError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, "fetch page")
	}
	if len(body) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		// A non-JSON body usually means an intermediary error page.
		return nil, &view.TransientError{Err: fmt.Errorf("decode page response: %w", err)}
	}
	return payload, nil
}

// withRetry runs fn, retrying transient failures with jittered exponential
// backoff. Fatal classes return immediately.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	delay := c.retryBaseDelay
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = fn()
		if err == nil || !view.IsTransient(err) {
			return err
		}
		if attempt == c.maxRetries {
			break
		}
		if c.logger != nil {
			c.logger.WarnContext(ctx, "transient remote failure, retrying",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err),
			)
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

func (c *Client) authorize(req *http.Request, cred view.Credential) {
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) resourceURL(cred view.Credential, resourceID, action string, values url.Values) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cred.BaseURL), "/")
	if base == "" {
		return "", errors.New("credential base URL is required")
	}
	if strings.TrimSpace(resourceID) == "" {
		return "", errors.New("resource id is required")
	}
	endpoint := base + "/api/views/" + url.PathEscape(resourceID)
	if action != "" {
		endpoint += "/" + action
	}
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	return endpoint, nil
}

// sortedFilterColumns keeps the request URL deterministic for a given
// filter set.
func sortedFilterColumns(filters map[string]string) []string {
	columns := make([]string, 0, len(filters))
	for column := range filters {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func classifyStatus(status int, operation string) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", operation, view.ErrAuthentication)
	case status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", operation, view.ErrForbidden)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", operation, view.ErrResourceNotFound)
	case status >= 500:
		return &view.TransientError{Status: status, Err: errors.New(operation + " failed")}
	default:
		return fmt.Errorf("%s: unexpected status %d", operation, status)
	}
}
