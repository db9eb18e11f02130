package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dialform/dialform/internal/flow"
	"github.com/dialform/dialform/internal/store"
	"github.com/dialform/dialform/internal/twiliovoice"
)

// Default server settings.
const (
	DefaultAddr       = ":8080"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// BaseURL is the externally reachable URL Twilio uses to call back into
	// the voice webhooks, e.g. "https://dialform.example.com".
	BaseURL string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithBaseURL sets the public base URL for Twilio webhooks.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Server hosts the DialForm HTTP API.
type Server struct {
	addr    string
	baseURL string
	st      store.Store
	intake  *flow.IntakeService
	calls   twiliovoice.CallService
}

// NewServer creates an API server. The call service may be nil when outbound
// calling and WhatsApp are not configured; the related endpoints then report
// an error.
func NewServer(st store.Store, intake *flow.IntakeService, calls twiliovoice.CallService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("api.NewServer: creating server", "addr", cfg.Addr, "baseURL", cfg.BaseURL, "hasCallService", calls != nil)
	return &Server{
		addr:    cfg.Addr,
		baseURL: cfg.BaseURL,
		st:      st,
		intake:  intake,
		calls:   calls,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /forms/templates", s.listTemplatesHandler)
	mux.HandleFunc("POST /forms/templates", s.createTemplateHandler)
	mux.HandleFunc("GET /forms/templates/{id}", s.getTemplateHandler)
	mux.HandleFunc("PUT /forms/templates/{id}", s.updateTemplateHandler)
	mux.HandleFunc("DELETE /forms/templates/{id}", s.deleteTemplateHandler)
	mux.HandleFunc("GET /forms/active", s.getActiveTemplateHandler)

	mux.HandleFunc("GET /forms/responses", s.listResponsesHandler)
	mux.HandleFunc("POST /forms/responses", s.createResponseHandler)
	mux.HandleFunc("GET /forms/responses/{id}", s.getResponseHandler)
	mux.HandleFunc("DELETE /forms/responses/{id}", s.deleteResponseHandler)

	mux.HandleFunc("POST /chat", s.chatHandler)
	mux.HandleFunc("GET /threads", s.listThreadsHandler)
	mux.HandleFunc("GET /threads/{id}", s.getThreadHandler)
	mux.HandleFunc("GET /threads/{id}/messages", s.listThreadMessagesHandler)
	mux.HandleFunc("GET /threads/{id}/form-data", s.threadFormDataHandler)
	mux.HandleFunc("POST /threads/{id}/complete", s.completeThreadHandler)

	mux.HandleFunc("POST /phone/answer", s.phoneAnswerHandler)
	mux.HandleFunc("POST /phone/handle-input", s.phoneHandleInputHandler)
	mux.HandleFunc("POST /phone/calls", s.placeCallHandler)

	mux.HandleFunc("POST /whatsapp/inbound", s.whatsAppInboundHandler)

	return mux
}

// Run starts the server and blocks until the context is canceled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("DialForm API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}
