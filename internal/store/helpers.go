package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dialform/dialform/internal/models"
)

// encodeOptions serializes a radio option list for the options column. An
// empty list is stored as the empty string to keep non-radio rows compact.
func encodeOptions(options []string) (string, error) {
	if len(options) == 0 {
		return "", nil
	}
	b, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode field options: %w", err)
	}
	return string(b), nil
}

// decodeOptions parses the options column back into a list. Malformed stored
// JSON is logged and treated as no options rather than failing the read.
func decodeOptions(raw string) []string {
	if raw == "" {
		return nil
	}
	var options []string
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		slog.Error("store.decodeOptions: malformed options column", "error", err, "raw", raw)
		return nil
	}
	return options
}

// scanFields reads form_fields rows in display order.
func scanFields(rows *sql.Rows) ([]models.FormField, error) {
	var fields []models.FormField
	for rows.Next() {
		var f models.FormField
		var options string
		if err := rows.Scan(&f.ID, &f.TemplateID, &f.Name, &f.Description, &f.FieldType, &options, &f.Order, &f.Required); err != nil {
			return nil, fmt.Errorf("failed to scan form field row: %w", err)
		}
		f.Options = decodeOptions(options)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form field rows: %w", err)
	}
	return fields, nil
}

// scanThread reads one threads row, mapping the nullable response link.
func scanThread(scan func(dest ...interface{}) error) (models.Thread, error) {
	var th models.Thread
	var responseID sql.NullInt64
	if err := scan(&th.ID, &th.Completed, &responseID, &th.Transcript, &th.CreatedAt, &th.UpdatedAt); err != nil {
		return th, err
	}
	if responseID.Valid {
		th.FormResponseID = &responseID.Int64
	}
	return th, nil
}

// nullableID converts an optional response link to a driver value.
func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
