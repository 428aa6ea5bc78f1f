package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/llm"
	"SleepyTesting/internal/step"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument when api key is missing, got %v", err)
	}
}

func TestGenerateStepsSuccess(t *testing.T) {
	var captured struct {
		Path          string
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-test",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": `{"steps":[{"action":"login","target":"login_button","platform":"android","device_id":"A123"}]}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Model: "gpt-test", Timeout: time.Second, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.GenerateSteps(context.Background(), llm.Request{
		Task:    "在Android设备A123上登录",
		Devices: []step.Device{{Platform: step.PlatformAndroid, ID: "A123"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.Content, "login_button") || resp.Model != "gpt-test" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected authorization header: %s", captured.Authorization)
	}
	if captured.Body["model"] != "gpt-test" {
		t.Fatalf("unexpected model in payload: %v", captured.Body["model"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestGenerateStepsClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   xerrors.Code
	}{
		{http.StatusTooManyRequests, xerrors.CodeRateLimited},
		{http.StatusServiceUnavailable, xerrors.CodeServiceUnavailable},
		{http.StatusGatewayTimeout, xerrors.CodeTimeout},
		{http.StatusBadGateway, xerrors.CodeTransientRemote},
		{http.StatusUnauthorized, xerrors.CodeFatalRemote},
		{http.StatusBadRequest, xerrors.CodeFatalRemote},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"test"}}`))
		}))

		client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second, HTTPClient: srv.Client()})
		if err != nil {
			srv.Close()
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = client.GenerateSteps(context.Background(), llm.Request{Task: "x"})
		srv.Close()
		if xerrors.CodeOf(err) != tc.want {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.want, err)
		}
		if xerrors.IsTransient(xerrors.CodeOf(err)) != xerrors.IsTransient(tc.want) {
			t.Fatalf("status %d: transient classification mismatch", tc.status)
		}
	}
}

func TestGenerateStepsEmptyContentIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m","choices":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := client.GenerateSteps(context.Background(), llm.Request{Task: "x"}); xerrors.CodeOf(err) != xerrors.CodeFatalRemote {
		t.Fatalf("expected fatal remote, got %v", err)
	}
}
