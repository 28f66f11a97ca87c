package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/rlm/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.5-pro:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "sys" {
			t.Errorf("system instruction = %+v", req.SystemInstruction)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "hello" {
			t.Errorf("contents = %+v", req.Contents)
		}

		json.NewEncoder(w).Encode(apiResponse{
			Candidates: []apiCandidate{{
				Content:      apiContent{Role: "model", Parts: []apiPart{{Text: "Hi "}, {Text: "there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &apiUsage{PromptTokenCount: 2_000_000, CandidatesTokenCount: 0},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gemini-2.5-pro", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{SystemPrompt: "sys", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if math.Abs(resp.Cost-2.5) > 1e-9 {
		t.Errorf("cost = %v, want 2.5", resp.Cost)
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", "gemini-2.5-flash", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{UserPrompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "" || resp.Cost != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestComplete_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient("k", "gemini-2.5-flash", discardLogger(), WithBaseURL(srv.URL))
	if _, err := client.Complete(context.Background(), &llm.Request{UserPrompt: "x"}); err == nil {
		t.Error("expected parse error")
	}
}
