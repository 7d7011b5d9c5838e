package view

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrAuthentication   = errors.New("view: authentication failed")
	ErrResourceNotFound = errors.New("view: resource not found")
	ErrForbidden        = errors.New("view: access forbidden")
)

// Kind distinguishes how a query resource is evaluated on the remote
// platform. STATIC and PARAMETERIZED resources do not support priming.
type Kind string

const (
	KindStatic        Kind = "STATIC"
	KindMaterialized  Kind = "MATERIALIZED"
	KindParameterized Kind = "PARAMETERIZED"
)

// QueryResource is a named server-side query definition. It is read-only
// reference data owned by the remote platform, never by this engine.
type QueryResource struct {
	ID            string
	Kind          Kind
	RawDefinition string
}

var placeholderPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// Placeholders extracts the declared parameter names from the raw query
// definition, in order of first appearance.
func (r QueryResource) Placeholders() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, match := range placeholderPattern.FindAllStringSubmatch(r.RawDefinition, -1) {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Parameter is one name/value substitution. Order is preserved because the
// remote platform substitutes positionally declared placeholders.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type ExecutionOptions struct {
	Parameters      []Parameter       `json:"parameters,omitempty"`
	ResultFilters   map[string]string `json:"result_filters,omitempty"`
	PageSize        int               `json:"page_size,omitempty"`
	MaxRows         int               `json:"max_rows,omitempty"`
	UseCache        *bool             `json:"use_cache,omitempty"`
	CacheTTLMinutes *int              `json:"cache_ttl_minutes,omitempty"`
	Format          string            `json:"format,omitempty"`
}

const (
	DefaultPageSize        = 1000
	DefaultMaxRows         = 10000
	DefaultCacheTTLMinutes = 60
	DefaultFormat          = "json"
)

// Defaulted returns a copy with unset fields replaced by engine defaults.
func (o ExecutionOptions) Defaulted() ExecutionOptions {
	out := o
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.MaxRows <= 0 {
		out.MaxRows = DefaultMaxRows
	}
	if out.UseCache == nil {
		useCache := true
		out.UseCache = &useCache
	}
	if out.CacheTTLMinutes == nil {
		ttl := DefaultCacheTTLMinutes
		out.CacheTTLMinutes = &ttl
	}
	if out.Format == "" {
		out.Format = DefaultFormat
	}
	return out
}

// Record is one row keyed by column name. Every record in a CanonicalResult
// carries exactly the result's column set.
type Record map[string]any

// CanonicalResult is the engine's normalized tabular output, independent of
// the remote platform's original response shape.
type CanonicalResult struct {
	Columns         []string `json:"columns"`
	Rows            []Record `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	FromCache       bool     `json:"from_cache"`
	BatchCount      int      `json:"batch_count"`
}

// Clone deep-copies the result so cached data can never be mutated through
// a returned reference.
func (r CanonicalResult) Clone() CanonicalResult {
	out := r
	out.Columns = append([]string(nil), r.Columns...)
	out.Rows = make([]Record, len(r.Rows))
	for i, row := range r.Rows {
		clone := make(Record, len(row))
		for k, v := range row {
			clone[k] = v
		}
		out.Rows[i] = clone
	}
	return out
}

// Credential carries the caller's session with the remote platform. The
// engine is stateless with respect to identity and passes it through on
// every remote call.
type Credential struct {
	BaseURL string
	Token   string
}

type PageRequest struct {
	ResourceID    string
	Parameters    []Parameter
	ResultFilters map[string]string
	Page          int
	PageSize      int
	Format        string
}

// Remote is the engine's contract with the remote analytics platform.
// FetchPage returns the raw response payload; normalization of its shape
// is the caller's concern.
type Remote interface {
	Prime(ctx context.Context, cred Credential, resourceID string) error
	FetchPage(ctx context.Context, cred Credential, req PageRequest) (any, error)
	Metadata(ctx context.Context, cred Credential, resourceID string) (QueryResource, error)
}

// TransientError marks a remote failure worth retrying: network errors,
// timeouts and 5xx responses. Everything else in the taxonomy is fatal to
// the whole execution.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("view: transient remote failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("view: transient remote failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole execution rather than a
// single page.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrForbidden)
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// PartialError accompanies a non-empty CanonicalResult when a page after
// the first failed. Callers decide whether partial data is acceptable.
type PartialError struct {
	PagesFetched int
	Err          error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("view: execution incomplete after %d page(s): %v", e.PagesFetched, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Clock is injected wherever expiry or timing decisions are made so tests
// can control time.
type Clock func() time.Time
