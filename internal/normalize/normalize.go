package normalize

import (
	"fmt"
	"sort"

	"github.com/querydeck/querydeck/internal/view"
)

// Normalize converts one raw response payload into canonical columns and
// rows. The remote platform returns at least four distinct envelope shapes
// depending on deployment and version, so the shapes are tried in a fixed
// priority order:
//
//  1. grid envelope: {"grid": {"headers": [...], "rows": [[...]]}}
//  2. flat envelope: {"headers": [...], "rows": [[...]]}
//  3. record array:  [{...}, {...}]
//  4. wrapped array: {"data": [...]}
//  5. anything else: zero or one row
//
// Normalize never fails: an unrecognized shape degrades to empty columns
// and rows, because a zero-row page is a valid outcome and must not abort
// batch assembly.
func Normalize(payload any) ([]string, []view.Record) {
	if payload == nil {
		return []string{}, []view.Record{}
	}

	if obj, ok := payload.(map[string]any); ok {
		if grid, ok := obj["grid"].(map[string]any); ok {
			if columns, rows, ok := fromGrid(grid); ok {
				return columns, rows
			}
		}
		if columns, rows, ok := fromGrid(obj); ok {
			return columns, rows
		}
		if data, ok := obj["data"].([]any); ok {
			if columns, rows, ok := fromRecords(data); ok {
				return columns, rows
			}
		}
		return fromSingleObject(obj)
	}

	if arr, ok := payload.([]any); ok {
		if columns, rows, ok := fromRecords(arr); ok {
			return columns, rows
		}
		return []string{}, []view.Record{}
	}

	return []string{}, []view.Record{}
}

// fromGrid handles the headers/rows envelope, at the top level or nested
// under "grid". Header names use the first non-empty of name, column,
// displayName, else Column_<index>.
func fromGrid(obj map[string]any) ([]string, []view.Record, bool) {
	rawHeaders, ok := obj["headers"].([]any)
	if !ok {
		return nil, nil, false
	}

	columns := make([]string, len(rawHeaders))
	for i, rawHeader := range rawHeaders {
		columns[i] = headerName(rawHeader, i)
	}

	rows := make([]view.Record, 0)
	rawRows, _ := obj["rows"].([]any)
	for _, rawRow := range rawRows {
		values, ok := rawRow.([]any)
		if !ok {
			continue
		}
		record := make(view.Record, len(columns))
		for i, column := range columns {
			if i < len(values) {
				record[column] = values[i]
			} else {
				record[column] = nil
			}
		}
		rows = append(rows, record)
	}
	return columns, rows, true
}

func headerName(rawHeader any, index int) string {
	if name, ok := rawHeader.(string); ok && name != "" {
		return name
	}
	if obj, ok := rawHeader.(map[string]any); ok {
		for _, key := range []string{"name", "column", "displayName"} {
			if value, ok := obj[key].(string); ok && value != "" {
				return value
			}
		}
	}
	return fmt.Sprintf("Column_%d", index)
}

// fromRecords handles a homogeneous array of objects. Columns are the key
// set of the first element; records missing a column get an explicit nil
// so every row carries the full column set.
func fromRecords(arr []any) ([]string, []view.Record, bool) {
	if len(arr) == 0 {
		return []string{}, []view.Record{}, true
	}
	first, ok := arr[0].(map[string]any)
	if !ok {
		return nil, nil, false
	}

	columns := sortedKeys(first)
	rows := make([]view.Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		record := make(view.Record, len(columns))
		for _, column := range columns {
			record[column] = obj[column]
		}
		rows = append(rows, record)
	}
	return columns, rows, true
}

// fromSingleObject treats any remaining object as a one-row result.
func fromSingleObject(obj map[string]any) ([]string, []view.Record) {
	if len(obj) == 0 {
		return []string{}, []view.Record{}
	}
	columns := sortedKeys(obj)
	record := make(view.Record, len(columns))
	for _, column := range columns {
		record[column] = obj[column]
	}
	return columns, []view.Record{record}
}

// sortedKeys keeps column order deterministic regardless of map iteration
// order in the source payload.
func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
