package genai

import (
	"context"
	"os"
	"testing"

	"github.com/openai/openai-go"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, c.model)
	}

	c, err = NewClient(WithAPIKey("test-key"), WithModel(openai.ChatModelGPT4oMini))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.model != openai.ChatModelGPT4oMini {
		t.Errorf("expected model override, got %q", c.model)
	}
}

// TestGenerateWithMessagesLive talks to the real API and is skipped unless a
// key is present in the environment.
func TestGenerateWithMessagesLive(t *testing.T) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		t.Skip("OPENAI_API_KEY not set; skipping live API test")
	}
	c, err := NewClient(WithAPIKey(key), WithModel(openai.ChatModelGPT4oMini))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	reply, err := c.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("You are a terse assistant."),
		openai.UserMessage("Say the word ready."),
	})
	if err != nil {
		t.Fatalf("GenerateWithMessages failed: %v", err)
	}
	if reply == "" {
		t.Error("expected non-empty reply")
	}
}
