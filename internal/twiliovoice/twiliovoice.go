// Package twiliovoice wraps the Twilio REST API for outbound voice calls and
// WhatsApp messaging.
package twiliovoice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallService places outbound calls and sends WhatsApp messages.
type CallService interface {
	// PlaceCall starts an outbound call that fetches TwiML from answerURL.
	PlaceCall(ctx context.Context, to, answerURL string) (string, error)
	// SendWhatsApp sends a WhatsApp message to the given number.
	SendWhatsApp(ctx context.Context, to, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST API.
type Client struct {
	client *twilio.RestClient
	from   string
}

var _ CallService = (*Client)(nil)

// NewClient creates a Twilio client, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER when options are not set.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, from: cfg.FromNumber}, nil
}

// PlaceCall starts an outbound call. Twilio fetches call instructions from
// answerURL when the callee picks up. Returns the call SID.
func (c *Client) PlaceCall(ctx context.Context, to, answerURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(answerURL)
	params.SetMethod("POST")

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to place call to %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Info("Twilio PlaceCall succeeded", "to", to, "callSID", sid)
	return sid, nil
}

// SendWhatsApp sends a WhatsApp message via Twilio's WhatsApp channel.
func (c *Client) SendWhatsApp(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withWhatsAppPrefix(to))
	params.SetFrom(withWhatsAppPrefix(c.from))
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendWhatsApp failed", "error", err, "to", to)
		return fmt.Errorf("failed to send WhatsApp message to %s: %w", to, err)
	}
	slog.Debug("Twilio SendWhatsApp succeeded", "to", to, "bodyLen", len(body))
	return nil
}

func withWhatsAppPrefix(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// MockClient is a CallService for tests that records what it was asked to do.
type MockClient struct {
	Calls    []MockCall
	Messages []MockMessage
	Err      error
}

// MockCall records one PlaceCall invocation.
type MockCall struct {
	To        string
	AnswerURL string
}

// MockMessage records one SendWhatsApp invocation.
type MockMessage struct {
	To   string
	Body string
}

var _ CallService = (*MockClient)(nil)

func (m *MockClient) PlaceCall(ctx context.Context, to, answerURL string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Calls = append(m.Calls, MockCall{To: to, AnswerURL: answerURL})
	return fmt.Sprintf("CA%032d", len(m.Calls)), nil
}

func (m *MockClient) SendWhatsApp(ctx context.Context, to, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, MockMessage{To: to, Body: body})
	return nil
}
