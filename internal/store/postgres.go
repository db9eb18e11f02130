package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/dialform/dialform/internal/models"
	_ "github.com/lib/pq"
)

// Connection pool settings for the Postgres backend.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN and runs
// migrations on open.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating store", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// CreateFormTemplate inserts a template and its fields in one transaction,
// clearing is_current on all other templates when this one is current.
func (s *PostgresStore) CreateFormTemplate(t *models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	err = tx.QueryRow(`INSERT INTO form_templates (name, description, is_current, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		t.Name, t.Description, t.IsCurrent, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		slog.Error("PostgresStore CreateFormTemplate insert failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert form template: %w", err)
	}

	for i := range t.Fields {
		if err := insertFieldPostgres(tx, t.ID, &t.Fields[i]); err != nil {
			return err
		}
	}
	if t.IsCurrent {
		if _, err := tx.Exec(`UPDATE form_templates SET is_current = FALSE WHERE id != $1`, t.ID); err != nil {
			return fmt.Errorf("failed to clear current template flag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	slog.Debug("PostgresStore CreateFormTemplate succeeded", "id", t.ID, "fields", len(t.Fields))
	return nil
}

func insertFieldPostgres(tx *sql.Tx, templateID int64, f *models.FormField) error {
	options, err := encodeOptions(f.Options)
	if err != nil {
		return err
	}
	err = tx.QueryRow(`INSERT INTO form_fields (template_id, name, description, field_type, options, field_order, required) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		templateID, f.Name, f.Description, f.FieldType, options, f.Order, f.Required).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to insert form field %q: %w", f.Name, err)
	}
	f.TemplateID = templateID
	return nil
}

// ListFormTemplates returns all templates with their fields.
func (s *PostgresStore) ListFormTemplates() ([]models.FormTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, description, is_current, created_at, updated_at FROM form_templates ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListFormTemplates query failed", "error", err)
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

func (s *PostgresStore) templateFields(templateID int64) ([]models.FormField, error) {
	rows, err := s.db.Query(`SELECT id, template_id, name, description, field_type, options, field_order, required FROM form_fields WHERE template_id = $1 ORDER BY field_order, id`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query form fields: %w", err)
	}
	defer rows.Close()
	return scanFields(rows)
}

// GetFormTemplate returns one template with fields, or nil when absent.
func (s *PostgresStore) GetFormTemplate(id int64) (*models.FormTemplate, error) {
	var t models.FormTemplate
	err := s.db.QueryRow(`SELECT id, name, description, is_current, created_at, updated_at FROM form_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Description, &t.IsCurrent, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFormTemplate failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query form template %d: %w", id, err)
	}
	t.Fields, err = s.templateFields(t.ID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetCurrentFormTemplate returns the template marked current, or nil.
func (s *PostgresStore) GetCurrentFormTemplate() (*models.FormTemplate, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM form_templates WHERE is_current = TRUE LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCurrentFormTemplate failed", "error", err)
		return nil, fmt.Errorf("failed to query current form template: %w", err)
	}
	return s.GetFormTemplate(id)
}

// UpdateFormTemplate updates a template and id-merges its field set in one
// transaction.
func (s *PostgresStore) UpdateFormTemplate(t *models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t.UpdatedAt = time.Now()
	if _, err := tx.Exec(`UPDATE form_templates SET name = $1, description = $2, is_current = $3, updated_at = $4 WHERE id = $5`,
		t.Name, t.Description, t.IsCurrent, t.UpdatedAt, t.ID); err != nil {
		slog.Error("PostgresStore UpdateFormTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to update form template %d: %w", t.ID, err)
	}

	keptIDs := make([]interface{}, 0, len(t.Fields)+1)
	placeholders := ""
	for _, f := range t.Fields {
		if f.ID != 0 {
			if placeholders != "" {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", len(keptIDs)+2)
			keptIDs = append(keptIDs, f.ID)
		}
	}
	if placeholders == "" {
		if _, err := tx.Exec(`DELETE FROM form_fields WHERE template_id = $1`, t.ID); err != nil {
			return fmt.Errorf("failed to delete removed form fields: %w", err)
		}
	} else {
		args := append([]interface{}{t.ID}, keptIDs...)
		if _, err := tx.Exec(`DELETE FROM form_fields WHERE template_id = $1 AND id NOT IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete removed form fields: %w", err)
		}
	}

	for i := range t.Fields {
		f := &t.Fields[i]
		if f.ID == 0 {
			if err := insertFieldPostgres(tx, t.ID, f); err != nil {
				return err
			}
			continue
		}
		options, err := encodeOptions(f.Options)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE form_fields SET name = $1, description = $2, field_type = $3, options = $4, field_order = $5, required = $6 WHERE id = $7 AND template_id = $8`,
			f.Name, f.Description, f.FieldType, options, f.Order, f.Required, f.ID, t.ID); err != nil {
			return fmt.Errorf("failed to update form field %d: %w", f.ID, err)
		}
		f.TemplateID = t.ID
	}

	if t.IsCurrent {
		if _, err := tx.Exec(`UPDATE form_templates SET is_current = FALSE WHERE id != $1`, t.ID); err != nil {
			return fmt.Errorf("failed to clear current template flag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template update: %w", err)
	}
	slog.Debug("PostgresStore UpdateFormTemplate succeeded", "id", t.ID, "fields", len(t.Fields))
	return nil
}

// DeleteFormTemplate removes a template; fields cascade via foreign key.
func (s *PostgresStore) DeleteFormTemplate(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM form_templates WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteFormTemplate failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete form template %d: %w", id, err)
	}
	return nil
}

// CreateFormResponse persists a response, its values, and the optional thread
// link in a single transaction.
func (s *PostgresStore) CreateFormResponse(r *models.FormResponse, threadID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
	err = tx.QueryRow(`INSERT INTO form_responses (template_id, submitted_at) VALUES ($1, $2) RETURNING id`,
		r.TemplateID, r.SubmittedAt).Scan(&r.ID)
	if err != nil {
		slog.Error("PostgresStore CreateFormResponse insert failed", "error", err, "templateID", r.TemplateID)
		return fmt.Errorf("failed to insert form response: %w", err)
	}

	for i := range r.FieldValues {
		v := &r.FieldValues[i]
		err := tx.QueryRow(`INSERT INTO form_field_values (response_id, field_id, value) VALUES ($1, $2, $3) RETURNING id`,
			r.ID, v.FieldID, v.Value).Scan(&v.ID)
		if err != nil {
			return fmt.Errorf("failed to insert field value for field %d: %w", v.FieldID, err)
		}
		v.ResponseID = r.ID
	}

	if threadID != 0 {
		if _, err := tx.Exec(`UPDATE threads SET form_response_id = $1, updated_at = $2 WHERE id = $3`, r.ID, time.Now(), threadID); err != nil {
			return fmt.Errorf("failed to link thread %d to response: %w", threadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit form response: %w", err)
	}
	slog.Debug("PostgresStore CreateFormResponse succeeded", "id", r.ID, "values", len(r.FieldValues), "threadID", threadID)
	return nil
}

// ListFormResponses returns all responses with their values.
func (s *PostgresStore) ListFormResponses() ([]models.FormResponse, error) {
	rows, err := s.db.Query(`SELECT id, template_id, submitted_at FROM form_responses ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListFormResponses query failed", "error", err)
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

func (s *PostgresStore) responseValues(responseID int64) ([]models.FormFieldValue, error) {
	rows, err := s.db.Query(`SELECT id, response_id, field_id, value FROM form_field_values WHERE response_id = $1 ORDER BY id`, responseID)
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
func (s *PostgresStore) GetFormResponse(id int64) (*models.FormResponse, error) {
	var r models.FormResponse
	err := s.db.QueryRow(`SELECT id, template_id, submitted_at FROM form_responses WHERE id = $1`, id).
		Scan(&r.ID, &r.TemplateID, &r.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFormResponse failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query form response %d: %w", id, err)
	}
	r.FieldValues, err = s.responseValues(r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteFormResponse removes a response; values cascade via foreign key.
func (s *PostgresStore) DeleteFormResponse(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM form_responses WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteFormResponse failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete form response %d: %w", id, err)
	}
	return nil
}

// CreateThread inserts a new thread.
func (s *PostgresStore) CreateThread(th *models.Thread) error {
	now := time.Now()
	th.CreatedAt = now
	th.UpdatedAt = now
	err := s.db.QueryRow(`INSERT INTO threads (completed, form_response_id, transcript, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		th.Completed, nullableID(th.FormResponseID), th.Transcript, th.CreatedAt, th.UpdatedAt).Scan(&th.ID)
	if err != nil {
		slog.Error("PostgresStore CreateThread failed", "error", err)
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

// ListThreads returns all threads ordered by id.
func (s *PostgresStore) ListThreads() ([]models.Thread, error) {
	rows, err := s.db.Query(`SELECT id, completed, form_response_id, transcript, created_at, updated_at FROM threads ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListThreads query failed", "error", err)
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
func (s *PostgresStore) GetThread(id int64) (*models.Thread, error) {
	row := s.db.QueryRow(`SELECT id, completed, form_response_id, transcript, created_at, updated_at FROM threads WHERE id = $1`, id)
	th, err := scanThread(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetThread failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query thread %d: %w", id, err)
	}
	return &th, nil
}

// UpdateThread saves thread mutations.
func (s *PostgresStore) UpdateThread(th *models.Thread) error {
	th.UpdatedAt = time.Now()
	if _, err := s.db.Exec(`UPDATE threads SET completed = $1, form_response_id = $2, transcript = $3, updated_at = $4 WHERE id = $5`,
		th.Completed, nullableID(th.FormResponseID), th.Transcript, th.UpdatedAt, th.ID); err != nil {
		slog.Error("PostgresStore UpdateThread failed", "error", err, "id", th.ID)
		return fmt.Errorf("failed to update thread %d: %w", th.ID, err)
	}
	return nil
}

// AddPhoneMessage appends a conversation turn to a thread.
func (s *PostgresStore) AddPhoneMessage(m *models.PhoneMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := s.db.QueryRow(`INSERT INTO phone_messages (thread_id, voice_input, assistant_response, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		m.ThreadID, m.VoiceInput, m.AssistantResponse, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		slog.Error("PostgresStore AddPhoneMessage failed", "error", err, "threadID", m.ThreadID)
		return fmt.Errorf("failed to insert phone message: %w", err)
	}
	return nil
}

// ListPhoneMessages returns a thread's turns in creation order.
func (s *PostgresStore) ListPhoneMessages(threadID int64) ([]models.PhoneMessage, error) {
	rows, err := s.db.Query(`SELECT id, thread_id, voice_input, assistant_response, created_at FROM phone_messages WHERE thread_id = $1 ORDER BY id`, threadID)
	if err != nil {
		slog.Error("PostgresStore ListPhoneMessages query failed", "error", err, "threadID", threadID)
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
func (s *PostgresStore) GetThreadState(threadID int64) (string, error) {
	var data string
	err := s.db.QueryRow(`SELECT state_data FROM thread_states WHERE thread_id = $1`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore GetThreadState failed", "error", err, "threadID", threadID)
		return "", fmt.Errorf("failed to query thread state %d: %w", threadID, err)
	}
	return data, nil
}

// SaveThreadState stores conversation state for a thread.
func (s *PostgresStore) SaveThreadState(threadID int64, data string) error {
	if _, err := s.db.Exec(`INSERT INTO thread_states (thread_id, state_data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at`,
		threadID, data, time.Now()); err != nil {
		slog.Error("PostgresStore SaveThreadState failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to save thread state %d: %w", threadID, err)
	}
	return nil
}

// DeleteThreadState removes conversation state for a thread.
func (s *PostgresStore) DeleteThreadState(threadID int64) error {
	if _, err := s.db.Exec(`DELETE FROM thread_states WHERE thread_id = $1`, threadID); err != nil {
		slog.Error("PostgresStore DeleteThreadState failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to delete thread state %d: %w", threadID, err)
	}
	return nil
}

// GetSenderThread returns the open thread for a sender, or 0.
func (s *PostgresStore) GetSenderThread(sender string) (int64, error) {
	var threadID int64
	err := s.db.QueryRow(`SELECT thread_id FROM sender_threads WHERE sender = $1`, sender).Scan(&threadID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSenderThread failed", "error", err, "sender", sender)
		return 0, fmt.Errorf("failed to query sender thread: %w", err)
	}
	return threadID, nil
}

// SaveSenderThread maps a sender to a thread.
func (s *PostgresStore) SaveSenderThread(sender string, threadID int64) error {
	if _, err := s.db.Exec(`INSERT INTO sender_threads (sender, thread_id, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (sender) DO UPDATE SET thread_id = EXCLUDED.thread_id, updated_at = EXCLUDED.updated_at`,
		sender, threadID, time.Now()); err != nil {
		slog.Error("PostgresStore SaveSenderThread failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to save sender thread: %w", err)
	}
	return nil
}

// DeleteSenderThread clears a sender's thread mapping.
func (s *PostgresStore) DeleteSenderThread(sender string) error {
	if _, err := s.db.Exec(`DELETE FROM sender_threads WHERE sender = $1`, sender); err != nil {
		slog.Error("PostgresStore DeleteSenderThread failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to delete sender thread: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
