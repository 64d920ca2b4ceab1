package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/retry"
)

func newTestXAI(t *testing.T, handler http.HandlerFunc) *XAIVideoProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewXAIVideoProvider("test-key")
	p.baseURL = srv.URL
	return p
}

func TestXAI_SubmitSendsRequest(t *testing.T) {
	var got xaiGenerationRequest
	p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/videos/generations" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"request_id":"req-123"}`))
	})

	h, err := p.Submit(context.Background(), GenerationRequest{
		SceneNumber:     4,
		Prompt:          "benefit shot",
		DurationSeconds: 6,
		AspectRatio:     "9:16",
		SeedImage:       &models.SeedImage{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Name != "req-123" || h.Provider != ProviderXAI || h.SceneNumber != 4 {
		t.Errorf("handle = %+v", h)
	}
	if got.Duration != 6 || got.AspectRatio != "9:16" || got.Model != xaiVideoModel {
		t.Errorf("request = %+v", got)
	}
	if got.Image == nil || !strings.HasPrefix(got.Image.URL, "data:image/png;base64,") {
		t.Errorf("image = %+v, want data URI", got.Image)
	}
}

func TestXAI_SubmitStatusErrorIsRetryable(t *testing.T) {
	p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	})

	_, err := p.Submit(context.Background(), GenerationRequest{Prompt: "x", DurationSeconds: 6})
	var pse *ProviderStatusError
	if !errors.As(err, &pse) || pse.StatusCode != 503 {
		t.Fatalf("err = %v, want ProviderStatusError 503", err)
	}
	if !retry.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestXAI_SubmitModerationRejection(t *testing.T) {
	p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Prompt violates content moderation policy"}`))
	})

	_, err := p.Submit(context.Background(), GenerationRequest{Prompt: "x"})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if !strings.Contains(err.Error(), "violates content moderation policy") {
		t.Errorf("reason not surfaced: %v", err)
	}
}

func TestXAI_ExtensionUnsupported(t *testing.T) {
	p := NewXAIVideoProvider("k")
	_, err := p.Submit(context.Background(), GenerationRequest{SourceVideo: []byte("clip")})
	if !errors.Is(err, ErrExtensionUnsupported) {
		t.Errorf("err = %v, want ErrExtensionUnsupported", err)
	}
}

func TestXAI_PollStates(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDone   bool
		wantURL    string
		wantPolicy bool
		wantErr    bool
	}{
		{"pending", http.StatusAccepted, `{"status":"pending"}`, false, "", false, false},
		{"completed", http.StatusOK, `{"video":{"url":"https://cdn.x.ai/v.mp4","duration":6,"respect_moderation":true},"model":"grok-imagine-video"}`, true, "https://cdn.x.ai/v.mp4", false, false},
		{"moderated", http.StatusOK, `{"video":{"url":"https://cdn.x.ai/v.mp4","duration":6,"respect_moderation":false}}`, true, "", true, false},
		{"failed", http.StatusOK, `{"status":"failed","error":"internal error"}`, true, "", false, false},
		{"failed safety", http.StatusOK, `{"status":"failed","error":"blocked by safety system"}`, true, "", true, false},
		{"server error", http.StatusBadGateway, `bad gateway`, false, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestXAI(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/videos/req-1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			pr, err := p.Poll(context.Background(), &models.OperationHandle{Name: "req-1"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected transport error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if pr.Done != tt.wantDone {
				t.Errorf("done = %v, want %v", pr.Done, tt.wantDone)
			}
			if tt.wantURL != "" && (pr.Media == nil || pr.Media.URI != tt.wantURL) {
				t.Errorf("media = %+v, want url %s", pr.Media, tt.wantURL)
			}
			if tt.wantPolicy != errors.Is(pr.Err, ErrContentFiltered) {
				t.Errorf("policy err = %v, want policy=%v", pr.Err, tt.wantPolicy)
			}
		})
	}
}

func TestXAI_FetchDownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	p := NewXAIVideoProvider("k")
	data, err := p.Fetch(context.Background(), &GeneratedMedia{URI: srv.URL + "/v.mp4"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "mp4-bytes" {
		t.Errorf("data = %q", data)
	}
}
