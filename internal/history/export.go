package history

import (
	"fmt"
	"io"

	"github.com/segmentio/parquet-go"
)

// ExportRow is the flat Parquet schema of an exported record
type ExportRow struct {
	ID               string `parquet:"id"`
	RequestID        string `parquet:"request_id"`
	Provider         string `parquet:"provider,dict"`
	Model            string `parquet:"model,dict"`
	Status           string `parquet:"status,dict"`
	Anonymized       bool   `parquet:"anonymized"`
	PIIEntities      int64  `parquet:"pii_entities"`
	PromptTokens     int64  `parquet:"prompt_tokens"`
	CompletionTokens int64  `parquet:"completion_tokens"`
	TotalTokens      int64  `parquet:"total_tokens"`
	DurationMS       int64  `parquet:"duration_ms"`
	Error            string `parquet:"error,optional"`
	Request          string `parquet:"request,optional"`
	Response         string `parquet:"response,optional"`
	CreatedAtMS      int64  `parquet:"created_at_ms"`
	UpdatedAtMS      int64  `parquet:"updated_at_ms"`
}

// ExportOptions controls what an export carries
type ExportOptions struct {
	// IncludePayloads adds the request and response documents. They hold
	// personal data in clear text.
	IncludePayloads bool
	// RowGroupSize flushes a row group every n rows; 0 keeps one group.
	RowGroupSize int
}

// ExportParquet writes records to w as a Parquet file and returns the
// number of rows written.
func ExportParquet(w io.Writer, records []*Record, opts ExportOptions) (int, error) {
	writer := parquet.NewGenericWriter[ExportRow](w)

	rows := make([]ExportRow, 0, len(records))
	written := 0
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		n, err := writer.Write(rows)
		written += n
		if err != nil {
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
		rows = rows[:0]
		return writer.Flush()
	}

	for _, r := range records {
		rows = append(rows, toExportRow(r, opts.IncludePayloads))
		if opts.RowGroupSize > 0 && len(rows) >= opts.RowGroupSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	if err := writer.Close(); err != nil {
		return written, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return written, nil
}

func toExportRow(r *Record, payloads bool) ExportRow {
	row := ExportRow{
		ID:               r.ID.String(),
		RequestID:        r.RequestID,
		Provider:         r.Provider,
		Model:            r.Model,
		Status:           string(r.Status),
		Anonymized:       r.Anonymized,
		PIIEntities:      int64(r.PIIEntities),
		PromptTokens:     int64(r.PromptTokens),
		CompletionTokens: int64(r.CompletionTokens),
		TotalTokens:      int64(r.TotalTokens),
		DurationMS:       r.DurationMS,
		Error:            r.Error,
		CreatedAtMS:      r.CreatedAt.UnixMilli(),
		UpdatedAtMS:      r.UpdatedAt.UnixMilli(),
	}
	if payloads {
		row.Request = r.Request
		row.Response = r.Response
	}
	return row
}
