package archive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/querydeck/querydeck/internal/cache"
)

type EncodeResultOutput struct {
	Data     []byte
	RowCount int64
}

type parquetResultRow struct {
	EntryKey   string `parquet:"entry_key"`
	ResourceID string `parquet:"resource_id"`
	RowIndex   int64  `parquet:"row_index"`
	RowJSON    string `parquet:"row_json"`
}

// EncodeResult flattens a saved entry into one parquet row per result
// record. Record values keep their original JSON representation; parquet
// columns only carry the envelope, since result schemas vary per view.
func EncodeResult(entry cache.Entry) (EncodeResultOutput, error) {
	rows := make([]parquetResultRow, 0, len(entry.Result.Rows))
	for i, record := range entry.Result.Rows {
		payload, err := json.Marshal(record)
		if err != nil {
			return EncodeResultOutput{}, fmt.Errorf("marshal result row %d: %w", i, err)
		}
		rows = append(rows, parquetResultRow{
			EntryKey:   entry.Key,
			ResourceID: entry.ResourceID,
			RowIndex:   int64(i),
			RowJSON:    string(payload),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetResultRow](buf)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return EncodeResultOutput{}, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return EncodeResultOutput{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResultOutput{
		Data:     buf.Bytes(),
		RowCount: int64(len(rows)),
	}, nil
}
