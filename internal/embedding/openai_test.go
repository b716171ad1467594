package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/contextsync/internal/ollama"
)

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req embeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultOpenAIModel {
			t.Errorf("model = %q, want %q", req.Model, DefaultOpenAIModel)
		}
		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.25,0.5]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "")
	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.25 || vec[1] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, ErrInvalidCredential},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, ErrQuotaExceeded},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, ErrRateLimited},
		{"server error", http.StatusBadGateway, `upstream gone`, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIProvider(srv.URL, "sk-test", "").Embed(context.Background(), "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenAIProvider_MissingKey(t *testing.T) {
	_, err := NewOpenAIProvider("http://127.0.0.1:1", "", "").Embed(context.Background(), "x")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("error = %v, want ErrInvalidCredential", err)
	}
}

func TestOpenAIProvider_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "sk-test", "").Embed(context.Background(), "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestOllamaProvider_MapsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollama.New(srv.URL), "")
	if p.Name() != "ollama:"+DefaultOllamaModel {
		t.Errorf("Name() = %q", p.Name())
	}
	if _, err := p.Embed(context.Background(), "x"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}

	srv.Close()
	if _, err := p.Embed(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("error after close = %v, want ErrUnavailable", err)
	}
}
