package cache

import (
	"testing"
	"time"

	"github.com/querydeck/querydeck/internal/view"
)

func TestKeyIsInsensitiveToParameterOrder(t *testing.T) {
	left := Key("r1", []view.Parameter{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, nil)
	right := Key("r1", []view.Parameter{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}}, nil)
	if left != right {
		t.Fatalf("keys differ: %q vs %q", left, right)
	}
}

func TestKeyTreatsNilAndEmptyCollectionsAsEqual(t *testing.T) {
	withNil := Key("r1", nil, nil)
	withEmpty := Key("r1", []view.Parameter{}, map[string]string{})
	if withNil != withEmpty {
		t.Fatalf("keys differ: %q vs %q", withNil, withEmpty)
	}
}

func TestKeyIsSensitiveToEveryInput(t *testing.T) {
	base := Key("r1", []view.Parameter{{Name: "a", Value: "1"}}, map[string]string{"c": "x"})
	cases := map[string]string{
		"resource":  Key("r2", []view.Parameter{{Name: "a", Value: "1"}}, map[string]string{"c": "x"}),
		"parameter": Key("r1", []view.Parameter{{Name: "a", Value: "2"}}, map[string]string{"c": "x"}),
		"filter":    Key("r1", []view.Parameter{{Name: "a", Value: "1"}}, map[string]string{"c": "y"}),
		"no filter": Key("r1", []view.Parameter{{Name: "a", Value: "1"}}, nil),
	}
	for name, key := range cases {
		if key == base {
			t.Fatalf("%s change did not change key", name)
		}
	}
}

func TestValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	if !Valid(Entry{}, now) {
		t.Fatal("entry without expiry should be valid forever")
	}
	if !Valid(Entry{ExpiresAt: &later}, now) {
		t.Fatal("entry expiring later should be valid")
	}
	if Valid(Entry{ExpiresAt: &now}, now) {
		t.Fatal("entry expiring exactly now should be invalid")
	}
	if Valid(Entry{ExpiresAt: &now}, later) {
		t.Fatal("expired entry should be invalid")
	}
}
