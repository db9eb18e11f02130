package store

import (
	"sort"
	"sync"
	"time"

	"github.com/dialform/dialform/internal/models"
)

// InMemoryStore is a mutex-guarded in-memory Store used in tests and when no
// database DSN is configured.
type InMemoryStore struct {
	mu            sync.Mutex
	templates     map[int64]models.FormTemplate
	fields        map[int64]models.FormField
	responses     map[int64]models.FormResponse
	values        map[int64]models.FormFieldValue
	threads       map[int64]models.Thread
	messages      map[int64]models.PhoneMessage
	threadStates  map[int64]string
	senderThreads map[string]int64
	nextID        int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		templates:     make(map[int64]models.FormTemplate),
		fields:        make(map[int64]models.FormField),
		responses:     make(map[int64]models.FormResponse),
		values:        make(map[int64]models.FormFieldValue),
		threads:       make(map[int64]models.Thread),
		messages:      make(map[int64]models.PhoneMessage),
		threadStates:  make(map[int64]string),
		senderThreads: make(map[string]int64),
	}
}

func (s *InMemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// clearCurrentExcept clears is_current on every template other than keep.
// Callers must hold the mutex.
func (s *InMemoryStore) clearCurrentExcept(keep int64) {
	for id, t := range s.templates {
		if id != keep && t.IsCurrent {
			t.IsCurrent = false
			s.templates[id] = t
		}
	}
}

// CreateFormTemplate stores a template and its fields, assigning IDs.
func (s *InMemoryStore) CreateFormTemplate(t *models.FormTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t.ID = s.allocID()
	t.CreatedAt = now
	t.UpdatedAt = now
	for i := range t.Fields {
		t.Fields[i].ID = s.allocID()
		t.Fields[i].TemplateID = t.ID
		s.fields[t.Fields[i].ID] = t.Fields[i]
	}
	if t.IsCurrent {
		s.clearCurrentExcept(t.ID)
	}
	s.templates[t.ID] = *t
	return nil
}

// ListFormTemplates returns all templates with their fields, ordered by id.
func (s *InMemoryStore) ListFormTemplates() ([]models.FormTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FormTemplate, 0, len(s.templates))
	for id := range s.templates {
		out = append(out, s.templateLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// templateLocked assembles a template with its ordered fields. Callers must
// hold the mutex.
func (s *InMemoryStore) templateLocked(id int64) models.FormTemplate {
	t := s.templates[id]
	t.Fields = nil
	for _, f := range s.fields {
		if f.TemplateID == id {
			t.Fields = append(t.Fields, f)
		}
	}
	sort.Slice(t.Fields, func(i, j int) bool {
		if t.Fields[i].Order != t.Fields[j].Order {
			return t.Fields[i].Order < t.Fields[j].Order
		}
		return t.Fields[i].ID < t.Fields[j].ID
	})
	return t
}

// GetFormTemplate returns a template with its fields, or nil when absent.
func (s *InMemoryStore) GetFormTemplate(id int64) (*models.FormTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return nil, nil
	}
	t := s.templateLocked(id)
	return &t, nil
}

// GetCurrentFormTemplate returns the template marked current, or nil.
func (s *InMemoryStore) GetCurrentFormTemplate() (*models.FormTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.templates {
		if t.IsCurrent {
			full := s.templateLocked(id)
			return &full, nil
		}
	}
	return nil, nil
}

// UpdateFormTemplate updates a template and id-merges its field set.
func (s *InMemoryStore) UpdateFormTemplate(t *models.FormTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[t.ID]
	if !ok {
		return nil
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()

	// Delete stored fields absent from the update payload.
	keep := make(map[int64]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.ID != 0 {
			keep[f.ID] = true
		}
	}
	for id, f := range s.fields {
		if f.TemplateID == t.ID && !keep[id] {
			delete(s.fields, id)
		}
	}

	// Update in place or insert.
	for i := range t.Fields {
		if t.Fields[i].ID == 0 {
			t.Fields[i].ID = s.allocID()
		}
		t.Fields[i].TemplateID = t.ID
		s.fields[t.Fields[i].ID] = t.Fields[i]
	}

	if t.IsCurrent {
		s.clearCurrentExcept(t.ID)
	}
	s.templates[t.ID] = *t
	return nil
}

// DeleteFormTemplate removes a template and cascades to its fields.
func (s *InMemoryStore) DeleteFormTemplate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.templates, id)
	for fid, f := range s.fields {
		if f.TemplateID == id {
			delete(s.fields, fid)
		}
	}
	return nil
}

// CreateFormResponse stores a response with its values, optionally binding a
// thread to it.
func (s *InMemoryStore) CreateFormResponse(r *models.FormResponse, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.allocID()
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
	for i := range r.FieldValues {
		r.FieldValues[i].ID = s.allocID()
		r.FieldValues[i].ResponseID = r.ID
		s.values[r.FieldValues[i].ID] = r.FieldValues[i]
	}
	s.responses[r.ID] = *r

	if threadID != 0 {
		if th, ok := s.threads[threadID]; ok {
			id := r.ID
			th.FormResponseID = &id
			th.UpdatedAt = time.Now()
			s.threads[threadID] = th
		}
	}
	return nil
}

// ListFormResponses returns all responses with their values, ordered by id.
func (s *InMemoryStore) ListFormResponses() ([]models.FormResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FormResponse, 0, len(s.responses))
	for id := range s.responses {
		out = append(out, s.responseLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) responseLocked(id int64) models.FormResponse {
	r := s.responses[id]
	r.FieldValues = nil
	for _, v := range s.values {
		if v.ResponseID == id {
			r.FieldValues = append(r.FieldValues, v)
		}
	}
	sort.Slice(r.FieldValues, func(i, j int) bool { return r.FieldValues[i].ID < r.FieldValues[j].ID })
	return r
}

// GetFormResponse returns a response with its values, or nil when absent.
func (s *InMemoryStore) GetFormResponse(id int64) (*models.FormResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.responses[id]; !ok {
		return nil, nil
	}
	r := s.responseLocked(id)
	return &r, nil
}

// DeleteFormResponse removes a response and cascades to its values.
func (s *InMemoryStore) DeleteFormResponse(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.responses, id)
	for vid, v := range s.values {
		if v.ResponseID == id {
			delete(s.values, vid)
		}
	}
	return nil
}

// CreateThread stores a new thread, assigning its ID.
func (s *InMemoryStore) CreateThread(th *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	th.ID = s.allocID()
	th.CreatedAt = now
	th.UpdatedAt = now
	s.threads[th.ID] = *th
	return nil
}

// ListThreads returns all threads ordered by id.
func (s *InMemoryStore) ListThreads() ([]models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetThread returns a thread, or nil when absent.
func (s *InMemoryStore) GetThread(id int64) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[id]
	if !ok {
		return nil, nil
	}
	return &th, nil
}

// UpdateThread saves thread mutations (completion, response link, transcript).
func (s *InMemoryStore) UpdateThread(th *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[th.ID]; !ok {
		return nil
	}
	th.UpdatedAt = time.Now()
	s.threads[th.ID] = *th
	return nil
}

// AddPhoneMessage appends a conversation turn to a thread.
func (s *InMemoryStore) AddPhoneMessage(m *models.PhoneMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.allocID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.ID] = *m
	return nil
}

// ListPhoneMessages returns a thread's turns in creation order.
func (s *InMemoryStore) ListPhoneMessages(threadID int64) ([]models.PhoneMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PhoneMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetThreadState returns stored conversation state for a thread, or "".
func (s *InMemoryStore) GetThreadState(threadID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadStates[threadID], nil
}

// SaveThreadState stores conversation state for a thread.
func (s *InMemoryStore) SaveThreadState(threadID int64, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadStates[threadID] = data
	return nil
}

// DeleteThreadState removes conversation state for a thread.
func (s *InMemoryStore) DeleteThreadState(threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threadStates, threadID)
	return nil
}

// GetSenderThread returns the open thread for a sender, or 0.
func (s *InMemoryStore) GetSenderThread(sender string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderThreads[sender], nil
}

// SaveSenderThread maps a sender to a thread.
func (s *InMemoryStore) SaveSenderThread(sender string, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderThreads[sender] = threadID
	return nil
}

// DeleteSenderThread clears a sender's thread mapping.
func (s *InMemoryStore) DeleteSenderThread(sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.senderThreads, sender)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
