package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/querydeck/querydeck/internal/cache/memory"
	"github.com/querydeck/querydeck/internal/view"
)

func newTestService(remote view.Remote) *Service {
	store := memory.New(memory.Config{}, nil)
	return NewService(newTestOrchestrator(remote), store, nil, nil)
}

func boolPtr(v bool) *bool { return &v }

func TestExecuteThenServeFromCache(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(50, 0), flatPage(10, 50)}}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 50, UseCache: boolPtr(false)}

	fresh, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if fresh.RowCount != 60 || fresh.BatchCount != 2 || fresh.FromCache {
		t.Fatalf("fresh = {rows:%d batches:%d fromCache:%v}, want {60 2 false}",
			fresh.RowCount, fresh.BatchCount, fresh.FromCache)
	}

	opts.UseCache = boolPtr(true)
	cached, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !cached.FromCache {
		t.Fatal("second execution should come from cache")
	}
	if cached.ExecutionTimeMs != 0 {
		t.Fatalf("ExecutionTimeMs = %d, want 0 for a cache hit", cached.ExecutionTimeMs)
	}
	if cached.RowCount != 60 || cached.BatchCount != 2 {
		t.Fatalf("cached = {rows:%d batches:%d}, want {60 2}", cached.RowCount, cached.BatchCount)
	}
	if cached.Rows[0]["name"] != fresh.Rows[0]["name"] {
		t.Fatal("cached rows differ from the fresh execution")
	}
}

func TestExecuteCacheHitSkipsRemote(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(5, 0)}}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 10}

	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	fetchedAfterFirst := len(remote.fetched)

	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(remote.fetched) != fetchedAfterFirst {
		t.Fatalf("remote fetched %d pages after cache hit, want %d", len(remote.fetched), fetchedAfterFirst)
	}
}

func TestExecuteReturnsIsolatedCopies(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(2, 0)}}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 10}

	first, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	first.Rows[0]["name"] = "mutated"

	second, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if second.Rows[0]["name"] == "mutated" {
		t.Fatal("mutating a returned result leaked into the cache")
	}
}

func TestExecuteParameterSensitiveKeys(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(1, 0)}}
	svc := newTestService(remote)

	optsA := view.ExecutionOptions{
		PageSize:   10,
		Parameters: []view.Parameter{{Name: "region", Value: "emea"}},
	}
	optsB := view.ExecutionOptions{
		PageSize:   10,
		Parameters: []view.Parameter{{Name: "region", Value: "apac"}},
	}

	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", optsA); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	fetchedAfterFirst := len(remote.fetched)

	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", optsB); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(remote.fetched) == fetchedAfterFirst {
		t.Fatal("different parameters must not share a cache entry")
	}
}

func TestExecuteCachesPartialResult(t *testing.T) {
	remote := &fakeRemote{
		pages:    []any{flatPage(10, 0)},
		pageErrs: map[int]error{2: &view.TransientError{Status: 503, Err: errors.New("unavailable")}},
	}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 10}

	result, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	var partial *view.PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("error = %v, want *view.PartialError", err)
	}
	if result.RowCount != 10 {
		t.Fatalf("RowCount = %d, want 10", result.RowCount)
	}

	cached, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() after partial error = %v", err)
	}
	if !cached.FromCache {
		t.Fatal("partial result should have been cached")
	}
	if cached.RowCount != 10 {
		t.Fatalf("cached RowCount = %d, want 10", cached.RowCount)
	}
}

func TestRefreshOverwritesStaleEntry(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(2, 0)}}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 10}

	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	remote.pages = []any{flatPage(7, 100)}
	refreshed, err := svc.Refresh(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.RowCount != 7 {
		t.Fatalf("refreshed RowCount = %d, want 7", refreshed.RowCount)
	}

	cached, err := svc.Execute(context.Background(), view.Credential{}, "R1", opts)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !cached.FromCache || cached.RowCount != 7 {
		t.Fatalf("cached = {rows:%d fromCache:%v}, want refreshed data", cached.RowCount, cached.FromCache)
	}
}

func TestSavePinsResultBeyondInvalidation(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(3, 0)}}
	svc := newTestService(remote)
	opts := view.ExecutionOptions{PageSize: 10}

	entry, err := svc.Save(context.Background(), view.Credential{}, "R1", opts, "march numbers", "for the board deck")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !entry.Saved || entry.Key == "" {
		t.Fatalf("entry = %+v, want saved with generated key", entry)
	}
	if entry.Label != "march numbers" {
		t.Fatalf("Label = %q", entry.Label)
	}

	if _, err := svc.Invalidate(context.Background(), "R1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}

	got, found, err := svc.Saved(context.Background(), entry.Key)
	if err != nil {
		t.Fatalf("Saved() error = %v", err)
	}
	if !found {
		t.Fatal("saved entry must survive invalidation")
	}
	if got.Result.RowCount != 3 {
		t.Fatalf("saved RowCount = %d, want 3", got.Result.RowCount)
	}

	listed, err := svc.ListSaved(context.Background())
	if err != nil {
		t.Fatalf("ListSaved() error = %v", err)
	}
	if len(listed) != 1 || listed[0].Key != entry.Key {
		t.Fatalf("ListSaved() = %+v", listed)
	}
}

func TestInvalidateReportsRemovedCount(t *testing.T) {
	remote := &fakeRemote{pages: []any{flatPage(1, 0)}}
	svc := newTestService(remote)

	optsA := view.ExecutionOptions{PageSize: 10, Parameters: []view.Parameter{{Name: "p", Value: "1"}}}
	optsB := view.ExecutionOptions{PageSize: 10, Parameters: []view.Parameter{{Name: "p", Value: "2"}}}
	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", optsA); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := svc.Execute(context.Background(), view.Credential{}, "R1", optsB); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	removed, err := svc.Invalidate(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
}

func TestMetadataDelegatesToRemote(t *testing.T) {
	remote := &fakeRemote{}
	svc := newTestService(remote)

	resource, err := svc.Metadata(context.Background(), view.Credential{}, "R1")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if resource.ID != "R1" {
		t.Fatalf("resource = %+v", resource)
	}
}

func TestExecuteFatalErrorReturnsNoResult(t *testing.T) {
	remote := &fakeRemote{pageErrs: map[int]error{1: view.ErrAuthentication}}
	svc := newTestService(remote)

	result, err := svc.Execute(context.Background(), view.Credential{}, "R1", view.ExecutionOptions{})
	if !errors.Is(err, view.ErrAuthentication) {
		t.Fatalf("error = %v, want ErrAuthentication", err)
	}
	if result.RowCount != 0 {
		t.Fatalf("result = %+v, want empty", result)
	}
}
