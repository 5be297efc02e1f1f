package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Fatalf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  SELECT title FROM books LIMIT 1  "}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	text, err := client.Complete(context.Background(), Prompt{Purpose: "synthesis", System: "sys", User: "question"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "SELECT title FROM books LIMIT 1" {
		t.Fatalf("Complete() = %q", text)
	}
	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("model = %v", got["model"])
	}
	if got["temperature"] != float64(0) {
		t.Fatalf("temperature = %v", got["temperature"])
	}
	messages, _ := got["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", got["messages"])
	}
}

func TestOpenAIClientOmitsEmptySystemMessage(t *testing.T) {
	payload := buildChatPayload("m", 0, Prompt{User: "u"})
	messages := payload["messages"].([]map[string]string)
	if len(messages) != 1 || messages[0]["role"] != "user" {
		t.Fatalf("messages = %v", messages)
	}
}

func TestOpenAIClientErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
		substr  string
	}{
		{name: "http error", status: http.StatusTooManyRequests, body: `{"error":"slow down"}`, substr: "status=429"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantErr: ErrEmptyCompletion},
		{name: "blank content", status: http.StatusOK, body: `{"choices":[{"message":{"content":"   "}}]}`, wantErr: ErrEmptyCompletion},
		{name: "bad json", status: http.StatusOK, body: `not json`, substr: "decode"},
		{name: "long multibyte body", status: http.StatusBadGateway, body: "x" + strings.Repeat("é", 400), substr: "status=502"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
			if err != nil {
				t.Fatalf("NewOpenAIClient() error = %v", err)
			}
			_, err = client.Complete(context.Background(), Prompt{User: "q"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
			if tc.substr != "" && !strings.Contains(err.Error(), tc.substr) {
				t.Fatalf("error = %v, want substring %q", err, tc.substr)
			}
			if !utf8.ValidString(err.Error()) {
				t.Fatalf("error is not valid UTF-8: %q", err.Error())
			}
		})
	}
}

func TestOpenAIClientRateLimitHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "k", RequestsPerSecond: 0.001, Burst: 1})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}
	if _, err := client.Complete(context.Background(), Prompt{User: "first"}); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Complete(ctx, Prompt{User: "second"}); err == nil {
		t.Fatal("expected rate limited call to fail once the context expires")
	}
}

func TestNewOpenAIClientValidatesConfig(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error without base URL")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestFuncAdapter(t *testing.T) {
	var o Oracle = Func(func(ctx context.Context, prompt Prompt) (string, error) {
		return strings.ToUpper(prompt.User), nil
	})
	got, err := o.Complete(context.Background(), Prompt{User: "hi"})
	if err != nil || got != "HI" {
		t.Fatalf("Complete() = %q, %v", got, err)
	}
}
