// Package store provides storage backends for DialForm.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores for persistent deployments.
package store

import (
	"strings"

	"github.com/dialform/dialform/internal/models"
)

// Store defines persistence over form templates, responses, intake threads,
// and per-thread conversation state.
//
// Single-row lookups return (nil, nil) when no row matches; callers map that
// to a not-found result.
type Store interface {
	// Form templates. Create and Update assign IDs on the template and its
	// fields, and clear is_current on all other templates when the saved
	// template is current. Update applies id-merge semantics over Fields:
	// fields with an ID update in place, stored fields absent from the slice
	// are deleted, fields without an ID are inserted.
	CreateFormTemplate(t *models.FormTemplate) error
	ListFormTemplates() ([]models.FormTemplate, error)
	GetFormTemplate(id int64) (*models.FormTemplate, error)
	GetCurrentFormTemplate() (*models.FormTemplate, error)
	UpdateFormTemplate(t *models.FormTemplate) error
	DeleteFormTemplate(id int64) error

	// Form responses. CreateFormResponse persists the response and all its
	// field values atomically; when threadID is non-zero the thread's
	// form_response_id is re-pointed in the same transaction (last write
	// wins).
	CreateFormResponse(r *models.FormResponse, threadID int64) error
	ListFormResponses() ([]models.FormResponse, error)
	GetFormResponse(id int64) (*models.FormResponse, error)
	DeleteFormResponse(id int64) error

	// Intake threads and their conversation turns.
	CreateThread(th *models.Thread) error
	ListThreads() ([]models.Thread, error)
	GetThread(id int64) (*models.Thread, error)
	UpdateThread(th *models.Thread) error
	AddPhoneMessage(m *models.PhoneMessage) error
	ListPhoneMessages(threadID int64) ([]models.PhoneMessage, error)

	// Conversation memory keyed by thread id. GetThreadState returns "" when
	// no state exists.
	GetThreadState(threadID int64) (string, error)
	SaveThreadState(threadID int64, data string) error
	DeleteThreadState(threadID int64) error

	// Sender-to-thread continuity for messaging transports that carry no
	// thread parameter (e.g. WhatsApp webhooks). GetSenderThread returns 0
	// when the sender has no open thread.
	GetSenderThread(sender string) (int64, error)
	SaveSenderThread(sender string, threadID int64) error
	DeleteSenderThread(sender string) error

	Close() error
}

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use URL or key=value forms; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
