package llm

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewCompletionRequestDefaults(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("hello")})

	if req.MaxTokens != 4096 {
		t.Errorf("expected default MaxTokens 4096, got %d", req.MaxTokens)
	}
	if req.Temperature != TemperatureDefault {
		t.Errorf("expected default temperature %v, got %v", TemperatureDefault, req.Temperature)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
		t.Errorf("expected single user message, got %+v", req.Messages)
	}
}

func TestMessageConstructors(t *testing.T) {
	sys := NewSystemMessage("be terse")
	if sys.Role != RoleSystem || sys.Content != "be terse" {
		t.Errorf("unexpected system message: %+v", sys)
	}

	usr := NewUserMessage("hi")
	if usr.Role != RoleUser || usr.Content != "hi" {
		t.Errorf("unexpected user message: %+v", usr)
	}

	asst := NewAssistantMessage("hello")
	if asst.Role != RoleAssistant || asst.Content != "hello" {
		t.Errorf("unexpected assistant message: %+v", asst)
	}
}

func TestLLMConfigValidate(t *testing.T) {
	valid := LLMConfig{APIKey: "key", ModelName: "model", MaxTokens: 100, Temperature: 0.5}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	cases := []struct {
		name string
		cfg  LLMConfig
	}{
		{"missing api key", LLMConfig{ModelName: "m", MaxTokens: 100}},
		{"missing model", LLMConfig{APIKey: "k", MaxTokens: 100}},
		{"zero max tokens", LLMConfig{APIKey: "k", ModelName: "m"}},
		{"temperature too high", LLMConfig{APIKey: "k", ModelName: "m", MaxTokens: 100, Temperature: 2.5}},
		{"temperature negative", LLMConfig{APIKey: "k", ModelName: "m", MaxTokens: 100, Temperature: -0.1}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestStreamToReader(t *testing.T) {
	ch := make(chan StreamChunk, 3)
	ch <- StreamChunk{Content: "hello "}
	ch <- StreamChunk{Content: "world"}
	ch <- StreamChunk{Done: true}
	close(ch)

	data, err := io.ReadAll(StreamToReader(ch))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("expected 'hello world', got %q", string(data))
	}
}

func TestStreamToReaderPropagatesError(t *testing.T) {
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Content: "partial"}
	ch <- StreamChunk{Error: errors.New("stream broke")}
	close(ch)

	_, err := io.ReadAll(StreamToReader(ch))
	if err == nil {
		t.Fatal("expected error from broken stream")
	}
	if !strings.Contains(err.Error(), "stream broke") {
		t.Errorf("expected propagated stream error, got %v", err)
	}
}
