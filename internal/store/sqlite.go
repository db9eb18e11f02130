// Package store provides storage backends for DialForm.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/dialform/dialform/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if missing and migrations run on open.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating store", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN+"?_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateFormTemplate inserts a template and its fields in one transaction,
// clearing is_current on all other templates when this one is current.
func (s *SQLiteStore) CreateFormTemplate(t *models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := tx.Exec(`INSERT INTO form_templates (name, description, is_current, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.IsCurrent, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateFormTemplate insert failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert form template: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read template id: %w", err)
	}

	for i := range t.Fields {
		if err := insertFieldSQLite(tx, t.ID, &t.Fields[i]); err != nil {
			return err
		}
	}
	if t.IsCurrent {
		if _, err := tx.Exec(`UPDATE form_templates SET is_current = 0 WHERE id != ?`, t.ID); err != nil {
			return fmt.Errorf("failed to clear current template flag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	slog.Debug("SQLiteStore CreateFormTemplate succeeded", "id", t.ID, "fields", len(t.Fields))
	return nil
}

func insertFieldSQLite(tx *sql.Tx, templateID int64, f *models.FormField) error {
	options, err := encodeOptions(f.Options)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`INSERT INTO form_fields (template_id, name, description, field_type, options, field_order, required) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		templateID, f.Name, f.Description, f.FieldType, options, f.Order, f.Required)
	if err != nil {
		return fmt.Errorf("failed to insert form field %q: %w", f.Name, err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read field id: %w", err)
	}
	f.TemplateID = templateID
	return nil
}

// ListFormTemplates returns all templates with their fields.
func (s *SQLiteStore) ListFormTemplates() ([]models.FormTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, description, is_current, created_at, updated_at FROM form_templates ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListFormTemplates query failed", "error", err)
		return nil, fmt.Errorf("failed to query form templates: %w", err)
	}
	defer rows.Close()

	var templates []models.FormTemplate
	for rows.Next() {
		var t models.FormTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.IsCurrent, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan form template row: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form template rows: %w", err)
	}
	for i := range templates {
		fields, err := s.templateFields(templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Fields = fields
	}
	return templates, nil
}

func (s *SQLiteStore) templateFields(templateID int64) ([]models.FormField, error) {
	rows, err := s.db.Query(`SELECT id, template_id, name, description, field_type, options, field_order, required FROM form_fields WHERE template_id = ? ORDER BY field_order, id`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query form fields: %w", err)
	}
	defer rows.Close()
	return scanFields(rows)
}

// GetFormTemplate returns one template with fields, or nil when absent.
func (s *SQLiteStore) GetFormTemplate(id int64) (*models.FormTemplate, error) {
	var t models.FormTemplate
	err := s.db.QueryRow(`SELECT id, name, description, is_current, created_at, updated_at FROM form_templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.IsCurrent, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFormTemplate failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query form template %d: %w", id, err)
	}
	t.Fields, err = s.templateFields(t.ID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetCurrentFormTemplate returns the template marked current, or nil.
func (s *SQLiteStore) GetCurrentFormTemplate() (*models.FormTemplate, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM form_templates WHERE is_current = 1 LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCurrentFormTemplate failed", "error", err)
		return nil, fmt.Errorf("failed to query current form template: %w", err)
	}
	return s.GetFormTemplate(id)
}

// UpdateFormTemplate updates a template and id-merges its field set in one
// transaction.
func (s *SQLiteStore) UpdateFormTemplate(t *models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t.UpdatedAt = time.Now()
	if _, err := tx.Exec(`UPDATE form_templates SET name = ?, description = ?, is_current = ?, updated_at = ? WHERE id = ?`,
		t.Name, t.Description, t.IsCurrent, t.UpdatedAt, t.ID); err != nil {
		slog.Error("SQLiteStore UpdateFormTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update form template %d: %w", t.ID, err)
	}

	// Delete stored fields absent from the payload. Collecting kept ids into
	// the query keeps this a single statement per shape.
	keptIDs := make([]interface{}, 0, len(t.Fields)+1)
	placeholders := ""
	for _, f := range t.Fields {
		if f.ID != 0 {
			if placeholders != "" {
				placeholders += ","
			}
			placeholders += "?"
			keptIDs = append(keptIDs, f.ID)
		}
	}
	if placeholders == "" {
		if _, err := tx.Exec(`DELETE FROM form_fields WHERE template_id = ?`, t.ID); err != nil {
			return fmt.Errorf("failed to delete removed form fields: %w", err)
		}
	} else {
		args := append([]interface{}{t.ID}, keptIDs...)
		if _, err := tx.Exec(`DELETE FROM form_fields WHERE template_id = ? AND id NOT IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete removed form fields: %w", err)
		}
	}

	for i := range t.Fields {
		f := &t.Fields[i]
		if f.ID == 0 {
			if err := insertFieldSQLite(tx, t.ID, f); err != nil {
				return err
			}
			continue
		}
		options, err := encodeOptions(f.Options)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE form_fields SET name = ?, description = ?, field_type = ?, options = ?, field_order = ?, required = ? WHERE id = ? AND template_id = ?`,
			f.Name, f.Description, f.FieldType, options, f.Order, f.Required, f.ID, t.ID); err != nil {
			return fmt.Errorf("failed to update form field %d: %w", f.ID, err)
		}
		f.TemplateID = t.ID
	}

	if t.IsCurrent {
		if _, err := tx.Exec(`UPDATE form_templates SET is_current = 0 WHERE id != ?`, t.ID); err != nil {
			return fmt.Errorf("failed to clear current template flag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template update: %w", err)
	}
	slog.Debug("SQLiteStore UpdateFormTemplate succeeded", "id", t.ID, "fields", len(t.Fields))
	return nil
}

// DeleteFormTemplate removes a template; fields cascade via foreign key.
func (s *SQLiteStore) DeleteFormTemplate(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM form_templates WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteFormTemplate failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete form template %d: %w", id, err)
	}
	return nil
}

// CreateFormResponse persists a response, its values, and the optional thread
// link in a single transaction.
func (s *SQLiteStore) CreateFormResponse(r *models.FormResponse, threadID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
	res, err := tx.Exec(`INSERT INTO form_responses (template_id, submitted_at) VALUES (?, ?)`, r.TemplateID, r.SubmittedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateFormResponse insert failed", "error", err, "templateID", r.TemplateID)
		return fmt.Errorf("failed to insert form response: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read response id: %w", err)
	}

	for i := range r.FieldValues {
		v := &r.FieldValues[i]
		vres, err := tx.Exec(`INSERT INTO form_field_values (response_id, field_id, value) VALUES (?, ?, ?)`, r.ID, v.FieldID, v.Value)
		if err != nil {
			return fmt.Errorf("failed to insert field value for field %d: %w", v.FieldID, err)
		}
		v.ID, err = vres.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read field value id: %w", err)
		}
		v.ResponseID = r.ID
	}

	if threadID != 0 {
		if _, err := tx.Exec(`UPDATE threads SET form_response_id = ?, updated_at = ? WHERE id = ?`, r.ID, time.Now(), threadID); err != nil {
			return fmt.Errorf("failed to link thread %d to response: %w", threadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit form response: %w", err)
	}
	slog.Debug("SQLiteStore CreateFormResponse succeeded", "id", r.ID, "values", len(r.FieldValues), "threadID", threadID)
	return nil
}

// ListFormResponses returns all responses with their values.
func (s *SQLiteStore) ListFormResponses() ([]models.FormResponse, error) {
	rows, err := s.db.Query(`SELECT id, template_id, submitted_at FROM form_responses ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListFormResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query form responses: %w", err)
	}
	defer rows.Close()

	var responses []models.FormResponse
	for rows.Next() {
		var r models.FormResponse
		if err := rows.Scan(&r.ID, &r.TemplateID, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan form response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate form response rows: %w", err)
	}
	for i := range responses {
		values, err := s.responseValues(responses[i].ID)
		if err != nil {
			return nil, err
		}
		responses[i].FieldValues = values
	}
	return responses, nil
}

func (s *SQLiteStore) responseValues(responseID int64) ([]models.FormFieldValue, error) {
	rows, err := s.db.Query(`SELECT id, response_id, field_id, value FROM form_field_values WHERE response_id = ? ORDER BY id`, responseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query field values: %w", err)
	}
	defer rows.Close()

	var values []models.FormFieldValue
	for rows.Next() {
		var v models.FormFieldValue
		if err := rows.Scan(&v.ID, &v.ResponseID, &v.FieldID, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan field value row: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// GetFormResponse returns one response with values, or nil when absent.
func (s *SQLiteStore) GetFormResponse(id int64) (*models.FormResponse, error) {
	var r models.FormResponse
	err := s.db.QueryRow(`SELECT id, template_id, submitted_at FROM form_responses WHERE id = ?`, id).
		Scan(&r.ID, &r.TemplateID, &r.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFormResponse failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query form response %d: %w", id, err)
	}
	r.FieldValues, err = s.responseValues(r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteFormResponse removes a response; values cascade via foreign key.
func (s *SQLiteStore) DeleteFormResponse(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM form_responses WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteFormResponse failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete form response %d: %w", id, err)
	}
	return nil
}

// CreateThread inserts a new thread.
func (s *SQLiteStore) CreateThread(th *models.Thread) error {
	now := time.Now()
	th.CreatedAt = now
	th.UpdatedAt = now
	res, err := s.db.Exec(`INSERT INTO threads (completed, form_response_id, transcript, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		th.Completed, nullableID(th.FormResponseID), th.Transcript, th.CreatedAt, th.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateThread failed", "error", err)
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	th.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read thread id: %w", err)
	}
	return nil
}

// ListThreads returns all threads ordered by id.
func (s *SQLiteStore) ListThreads() ([]models.Thread, error) {
	rows, err := s.db.Query(`SELECT id, completed, form_response_id, transcript, created_at, updated_at FROM threads ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListThreads query failed", "error", err)
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		th, err := scanThread(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// GetThread returns one thread, or nil when absent.
func (s *SQLiteStore) GetThread(id int64) (*models.Thread, error) {
	row := s.db.QueryRow(`SELECT id, completed, form_response_id, transcript, created_at, updated_at FROM threads WHERE id = ?`, id)
	th, err := scanThread(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetThread failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query thread %d: %w", id, err)
	}
	return &th, nil
}

// UpdateThread saves thread mutations.
func (s *SQLiteStore) UpdateThread(th *models.Thread) error {
	th.UpdatedAt = time.Now()
	if _, err := s.db.Exec(`UPDATE threads SET completed = ?, form_response_id = ?, transcript = ?, updated_at = ? WHERE id = ?`,
		th.Completed, nullableID(th.FormResponseID), th.Transcript, th.UpdatedAt, th.ID); err != nil {
		slog.Error("SQLiteStore UpdateThread failed", "error", err, "id", th.ID)
		return fmt.Errorf("failed to update thread %d: %w", th.ID, err)
	}
	return nil
}

// AddPhoneMessage appends a conversation turn to a thread.
func (s *SQLiteStore) AddPhoneMessage(m *models.PhoneMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO phone_messages (thread_id, voice_input, assistant_response, created_at) VALUES (?, ?, ?, ?)`,
		m.ThreadID, m.VoiceInput, m.AssistantResponse, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddPhoneMessage failed", "error", err, "threadID", m.ThreadID)
		return fmt.Errorf("failed to insert phone message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	return nil
}

// ListPhoneMessages returns a thread's turns in creation order.
func (s *SQLiteStore) ListPhoneMessages(threadID int64) ([]models.PhoneMessage, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, voice_input, assistant_response, created_at FROM phone_messages WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		slog.Error("SQLiteStore ListPhoneMessages query failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query phone messages: %w", err)
	}
	defer rows.Close()

	var messages []models.PhoneMessage
	for rows.Next() {
		var m models.PhoneMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.VoiceInput, &m.AssistantResponse, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phone message row: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetThreadState returns stored conversation state for a thread, or "".
func (s *SQLiteStore) GetThreadState(threadID int64) (string, error) {
	var data string
	err := s.db.QueryRow(`SELECT state_data FROM thread_states WHERE thread_id = ?`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetThreadState failed", "error", err, "threadID", threadID)
		return "", fmt.Errorf("failed to query thread state %d: %w", threadID, err)
	}
	return data, nil
}

// SaveThreadState stores conversation state for a thread.
func (s *SQLiteStore) SaveThreadState(threadID int64, data string) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO thread_states (thread_id, state_data, updated_at) VALUES (?, ?, ?)`, threadID, data, time.Now()); err != nil {
		slog.Error("SQLiteStore SaveThreadState failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to save thread state %d: %w", threadID, err)
	}
	return nil
}

// DeleteThreadState removes conversation state for a thread.
func (s *SQLiteStore) DeleteThreadState(threadID int64) error {
	if _, err := s.db.Exec(`DELETE FROM thread_states WHERE thread_id = ?`, threadID); err != nil {
		slog.Error("SQLiteStore DeleteThreadState failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to delete thread state %d: %w", threadID, err)
	}
	return nil
}

// GetSenderThread returns the open thread for a sender, or 0.
func (s *SQLiteStore) GetSenderThread(sender string) (int64, error) {
	var threadID int64
	err := s.db.QueryRow(`SELECT thread_id FROM sender_threads WHERE sender = ?`, sender).Scan(&threadID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSenderThread failed", "error", err, "sender", sender)
		return 0, fmt.Errorf("failed to query sender thread: %w", err)
	}
	return threadID, nil
}

// SaveSenderThread maps a sender to a thread.
func (s *SQLiteStore) SaveSenderThread(sender string, threadID int64) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO sender_threads (sender, thread_id, updated_at) VALUES (?, ?, ?)`, sender, threadID, time.Now()); err != nil {
		slog.Error("SQLiteStore SaveSenderThread failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to save sender thread: %w", err)
	}
	return nil
}

// DeleteSenderThread clears a sender's thread mapping.
func (s *SQLiteStore) DeleteSenderThread(sender string) error {
	if _, err := s.db.Exec(`DELETE FROM sender_threads WHERE sender = ?`, sender); err != nil {
		slog.Error("SQLiteStore DeleteSenderThread failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to delete sender thread: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
