package normalize

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decodePayload(t *testing.T, raw string) any {
	t.Helper()
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func TestNormalizeGridEnvelope(t *testing.T) {
	payload := decodePayload(t, `{
		"grid": {
			"headers": [{"name": "id"}, {"column": "amount"}, {"displayName": "Region"}, {}],
			"rows": [[1, 20.5, "emea", "x"], [2, 11, "apac", "y"]]
		}
	}`)

	columns, rows := Normalize(payload)
	want := []string{"id", "amount", "Region", "Column_3"}
	if !reflect.DeepEqual(columns, want) {
		t.Fatalf("columns = %v, want %v", columns, want)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["Region"] != "emea" {
		t.Fatalf("rows[0][Region] = %v", rows[0]["Region"])
	}
	if rows[0]["Column_3"] != "x" {
		t.Fatalf("rows[0][Column_3] = %v", rows[0]["Column_3"])
	}
}

func TestNormalizeFlatEnvelope(t *testing.T) {
	payload := decodePayload(t, `{"headers": ["a", "b"], "rows": [[1, 2], [3]]}`)

	columns, rows := Normalize(payload)
	if !reflect.DeepEqual(columns, []string{"a", "b"}) {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1]["b"] != nil {
		t.Fatalf("short row should pad with nil, got %v", rows[1]["b"])
	}
}

func TestNormalizeRecordArray(t *testing.T) {
	payload := decodePayload(t, `[{"b": 2, "a": 1}, {"a": 3, "b": 4}]`)

	columns, rows := Normalize(payload)
	if !reflect.DeepEqual(columns, []string{"a", "b"}) {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1]["a"] != float64(3) {
		t.Fatalf("rows[1][a] = %v", rows[1]["a"])
	}
}

func TestNormalizeWrappedArray(t *testing.T) {
	payload := decodePayload(t, `{"data": [{"x": "one"}, {"x": "two"}]}`)

	columns, rows := Normalize(payload)
	if !reflect.DeepEqual(columns, []string{"x"}) {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 2 || rows[1]["x"] != "two" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestNormalizeSingleObject(t *testing.T) {
	payload := decodePayload(t, `{"count": 7, "status": "ok"}`)

	columns, rows := Normalize(payload)
	if !reflect.DeepEqual(columns, []string{"count", "status"}) {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 1 || rows[0]["count"] != float64(7) {
		t.Fatalf("rows = %v", rows)
	}
}

func TestNormalizeUnrecognizedShapesDegradeToEmpty(t *testing.T) {
	for name, payload := range map[string]any{
		"nil":           nil,
		"scalar":        "just a string",
		"number":        42.0,
		"scalar array": []any{1.0, 2.0},
		"empty object": map[string]any{},
		"empty array":  []any{},
	} {
		columns, rows := Normalize(payload)
		if len(columns) != 0 || len(rows) != 0 {
			t.Fatalf("%s: columns = %v rows = %v, want empty", name, columns, rows)
		}
		if columns == nil || rows == nil {
			t.Fatalf("%s: expected non-nil empty slices", name)
		}
	}
}

func TestNormalizeIsDeterministicAcrossKeyOrder(t *testing.T) {
	left := decodePayload(t, `[{"z": 1, "a": 2, "m": 3}]`)
	right := decodePayload(t, `[{"m": 3, "z": 1, "a": 2}]`)

	leftColumns, leftRows := Normalize(left)
	rightColumns, rightRows := Normalize(right)
	if !reflect.DeepEqual(leftColumns, rightColumns) {
		t.Fatalf("columns differ: %v vs %v", leftColumns, rightColumns)
	}
	if !reflect.DeepEqual(leftRows, rightRows) {
		t.Fatalf("rows differ: %v vs %v", leftRows, rightRows)
	}
}

func TestNormalizeGridPrecedesWrappedData(t *testing.T) {
	payload := decodePayload(t, `{
		"grid": {"headers": ["g"], "rows": [[1]]},
		"data": [{"d": 2}]
	}`)

	columns, _ := Normalize(payload)
	if !reflect.DeepEqual(columns, []string{"g"}) {
		t.Fatalf("grid envelope should win, columns = %v", columns)
	}
}

func TestNormalizeEveryRecordCarriesFullColumnSet(t *testing.T) {
	payload := decodePayload(t, `[{"a": 1, "b": 2}, {"a": 3}]`)

	columns, rows := Normalize(payload)
	for i, row := range rows {
		if len(row) != len(columns) {
			t.Fatalf("row %d key count = %d, want %d", i, len(row), len(columns))
		}
		for _, column := range columns {
			if _, ok := row[column]; !ok {
				t.Fatalf("row %d missing column %q", i, column)
			}
		}
	}
	if value, ok := rows[1]["b"]; !ok || value != nil {
		t.Fatalf("rows[1][b] = %v (present=%v), want explicit nil", value, ok)
	}
}
