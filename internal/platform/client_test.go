package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/querydeck/querydeck/internal/view"
)

func newTestClient(retries int) *Client {
	return NewClient(Config{
		Timeout:        2 * time.Second,
		MaxRetries:     retries,
		RetryBaseDelay: time.Millisecond,
	}, nil)
}

func TestFetchPageEncodesParametersAndFilters(t *testing.T) {
	var gotQuery string
	var gotPath string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"headers": ["a"], "rows": [[1]]}`))
	}))
	defer server.Close()

	client := newTestClient(0)
	cred := view.Credential{BaseURL: server.URL, Token: "tok-1"}
	payload, err := client.FetchPage(context.Background(), cred, view.PageRequest{
		ResourceID:    "sales_view",
		Parameters:    []view.Parameter{{Name: "region", Value: "emea"}, {Name: "year", Value: "2026"}},
		ResultFilters: map[string]string{"status": "open"},
		Page:          2,
		PageSize:      500,
		Format:        "json",
	})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if payload == nil {
		t.Fatal("payload is nil")
	}
	if gotPath != "/api/views/sales_view/data" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	values, err := url.ParseQuery(gotQuery)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	if got := values["var"]; len(got) != 2 || got[0] != "region:emea" || got[1] != "year:2026" {
		t.Fatalf("var = %v", got)
	}
	if got := values["criteria"]; len(got) != 1 || got[0] != "status:open" {
		t.Fatalf("criteria = %v", got)
	}
	if values.Get("page") != "2" || values.Get("pageSize") != "500" || values.Get("format") != "json" {
		t.Fatalf("paging = %q", gotQuery)
	}
}

func TestFetchPageClassifiesFatalStatuses(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized: view.ErrAuthentication,
		http.StatusForbidden:    view.ErrForbidden,
		http.StatusNotFound:     view.ErrResourceNotFound,
	}
	for status, want := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		client := newTestClient(2)
		_, err := client.FetchPage(context.Background(), view.Credential{BaseURL: server.URL}, view.PageRequest{
			ResourceID: "r1", Page: 1, PageSize: 10,
		})
		server.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: err = %v, want %v", status, err, want)
		}
		if view.IsTransient(err) {
			t.Fatalf("status %d should not be transient", status)
		}
	}
}

func TestFetchPageRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"headers": [], "rows": []}`))
	}))
	defer server.Close()

	client := newTestClient(2)
	_, err := client.FetchPage(context.Background(), view.Credential{BaseURL: server.URL}, view.PageRequest{
		ResourceID: "r1", Page: 1, PageSize: 10,
	})
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchPageSurfacesTransientAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(1)
	_, err := client.FetchPage(context.Background(), view.Credential{BaseURL: server.URL}, view.PageRequest{
		ResourceID: "r1", Page: 1, PageSize: 10,
	})
	if !view.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestFetchPageNeverRetriesFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(3)
	_, err := client.FetchPage(context.Background(), view.Credential{BaseURL: server.URL}, view.PageRequest{
		ResourceID: "r1", Page: 1, PageSize: 10,
	})
	if !errors.Is(err, view.ErrAuthentication) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPrimeClassifiesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/api/views/r1/refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(0)
	err := client.Prime(context.Background(), view.Credential{BaseURL: server.URL}, "r1")
	if !errors.Is(err, view.ErrResourceNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMetadataDecodesResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "r1", "kind": "parameterized", "definition": "SELECT * FROM t WHERE region = :region"}`))
	}))
	defer server.Close()

	client := newTestClient(0)
	resource, err := client.Metadata(context.Background(), view.Credential{BaseURL: server.URL}, "r1")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if resource.Kind != view.KindParameterized {
		t.Fatalf("kind = %q", resource.Kind)
	}
	placeholders := resource.Placeholders()
	if len(placeholders) != 1 || placeholders[0] != "region" {
		t.Fatalf("placeholders = %v", placeholders)
	}
}

func TestFetchPageTreatsNonJSONBodyAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>gateway error</html>"))
	}))
	defer server.Close()

	client := newTestClient(0)
	_, err := client.FetchPage(context.Background(), view.Credential{BaseURL: server.URL}, view.PageRequest{
		ResourceID: "r1", Page: 1, PageSize: 10,
	})
	if !view.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
