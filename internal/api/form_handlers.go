package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dialform/dialform/internal/flow"
	"github.com/dialform/dialform/internal/models"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("DialForm API is healthy", nil))
}

// templateFromRequest maps a validated request onto a template entity.
func templateFromRequest(req *models.FormTemplateRequest) *models.FormTemplate {
	t := &models.FormTemplate{
		Name:        req.Name,
		Description: req.Description,
		IsCurrent:   req.IsCurrent,
	}
	for _, f := range req.Fields {
		t.Fields = append(t.Fields, models.FormField{
			ID:          f.ID,
			Name:        f.Name,
			Description: f.Description,
			FieldType:   f.FieldType,
			Options:     f.Options,
			Order:       f.Order,
			Required:    f.Required,
		})
	}
	return t
}

// createTemplateHandler handles POST /forms/templates.
func (s *Server) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FormTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("createTemplateHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("createTemplateHandler validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	t := templateFromRequest(&req)
	// New templates cannot carry field IDs.
	for i := range t.Fields {
		t.Fields[i].ID = 0
	}
	if err := s.st.CreateFormTemplate(t); err != nil {
		slog.Error("createTemplateHandler failed", "error", err, "name", req.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create template"))
		return
	}
	slog.Info("createTemplateHandler succeeded", "id", t.ID, "name", t.Name, "fields", len(t.Fields))
	writeJSONResponse(w, http.StatusCreated, models.Success(t))
}

// listTemplatesHandler handles GET /forms/templates.
func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.st.ListFormTemplates()
	if err != nil {
		slog.Error("listTemplatesHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list templates"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

// getTemplateHandler handles GET /forms/templates/{id}.
func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid template id"))
		return
	}
	t, err := s.st.GetFormTemplate(id)
	if err != nil {
		slog.Error("getTemplateHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get template"))
		return
	}
	if t == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// updateTemplateHandler handles PUT /forms/templates/{id}. Fields follow
// id-merge semantics.
func (s *Server) updateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid template id"))
		return
	}

	var req models.FormTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("updateTemplateHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("updateTemplateHandler validation failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	existing, err := s.st.GetFormTemplate(id)
	if err != nil {
		slog.Error("updateTemplateHandler lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get template"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		return
	}

	t := templateFromRequest(&req)
	t.ID = id
	t.CreatedAt = existing.CreatedAt
	if err := s.st.UpdateFormTemplate(t); err != nil {
		slog.Error("updateTemplateHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update template"))
		return
	}
	slog.Info("updateTemplateHandler succeeded", "id", id, "fields", len(t.Fields))
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// deleteTemplateHandler handles DELETE /forms/templates/{id}.
func (s *Server) deleteTemplateHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid template id"))
		return
	}
	existing, err := s.st.GetFormTemplate(id)
	if err != nil {
		slog.Error("deleteTemplateHandler lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get template"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		return
	}
	if err := s.st.DeleteFormTemplate(id); err != nil {
		slog.Error("deleteTemplateHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete template"))
		return
	}
	slog.Info("deleteTemplateHandler succeeded", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template deleted", nil))
}

// activeFieldDescriptor is one compiled field of the active template, shaped
// for client-side rendering.
type activeFieldDescriptor struct {
	ID          int64    `json:"id"`
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Format      string   `json:"format,omitempty"`
	Options     []string `json:"options,omitempty"`
	Order       int      `json:"order"`
	Required    bool     `json:"required"`
}

type activeSchema struct {
	TemplateID  int64                   `json:"template_id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Fields      []activeFieldDescriptor `json:"fields"`
}

// getActiveTemplateHandler handles GET /forms/active: the compiled schema of
// the current template.
func (s *Server) getActiveTemplateHandler(w http.ResponseWriter, r *http.Request) {
	compiled, err := flow.CompileActive(s.st)
	if errors.Is(err, models.ErrNoActiveTemplate) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active template"))
		return
	}
	if err != nil {
		slog.Error("getActiveTemplateHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compile active template"))
		return
	}

	schema := activeSchema{
		TemplateID:  compiled.Template.ID,
		Name:        compiled.Template.Name,
		Description: compiled.Template.Description,
		Fields:      make([]activeFieldDescriptor, 0, len(compiled.Fields)),
	}
	for _, fs := range compiled.Fields {
		schema.Fields = append(schema.Fields, activeFieldDescriptor{
			ID:          fs.Field.ID,
			Key:         fs.Key,
			Name:        fs.Field.Name,
			Description: fs.Field.Description,
			Type:        fs.JSONType,
			Format:      fs.Format,
			Options:     fs.Enum,
			Order:       fs.Field.Order,
			Required:    fs.Field.Required,
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(schema))
}

// createResponseHandler handles POST /forms/responses: a direct submission
// that bypasses the conversation engine.
func (s *Server) createResponseHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FormResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("createResponseHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("createResponseHandler validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	tmpl, err := s.st.GetFormTemplate(req.TemplateID)
	if err != nil {
		slog.Error("createResponseHandler template lookup failed", "error", err, "templateID", req.TemplateID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get template"))
		return
	}
	if tmpl == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
		return
	}

	known := make(map[int64]bool, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		known[f.ID] = true
	}
	resp := &models.FormResponse{TemplateID: req.TemplateID}
	for _, v := range req.FieldValues {
		if !known[v.FieldID] {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrUnknownResponseField.Error()))
			return
		}
		resp.FieldValues = append(resp.FieldValues, models.FormFieldValue{FieldID: v.FieldID, Value: v.Value})
	}
	if err := s.st.CreateFormResponse(resp, 0); err != nil {
		slog.Error("createResponseHandler failed", "error", err, "templateID", req.TemplateID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create response"))
		return
	}
	slog.Info("createResponseHandler succeeded", "id", resp.ID, "values", len(resp.FieldValues))
	writeJSONResponse(w, http.StatusCreated, models.Success(resp))
}

// listResponsesHandler handles GET /forms/responses.
func (s *Server) listResponsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.ListFormResponses()
	if err != nil {
		slog.Error("listResponsesHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list responses"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

// getResponseHandler handles GET /forms/responses/{id}.
func (s *Server) getResponseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid response id"))
		return
	}
	resp, err := s.st.GetFormResponse(id)
	if err != nil {
		slog.Error("getResponseHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get response"))
		return
	}
	if resp == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Response not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

// deleteResponseHandler handles DELETE /forms/responses/{id}.
func (s *Server) deleteResponseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid response id"))
		return
	}
	existing, err := s.st.GetFormResponse(id)
	if err != nil {
		slog.Error("deleteResponseHandler lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get response"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Response not found"))
		return
	}
	if err := s.st.DeleteFormResponse(id); err != nil {
		slog.Error("deleteResponseHandler failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete response"))
		return
	}
	slog.Info("deleteResponseHandler succeeded", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Response deleted", nil))
}
