package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeOllama serves /api/tags from models and answers /api/embed and
// /api/pull. Pulled model names are recorded.
type fakeOllama struct {
	models []string
	vector []float32
	pulled []string
}

func (f *fakeOllama) start(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			var resp struct {
				Models []map[string]string `json:"models"`
			}
			for _, m := range f.models {
				resp.Models = append(resp.Models, map[string]string{"name": m})
			}
			json.NewEncoder(w).Encode(resp)
		case "/api/embed":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			if req["input"] == "" {
				http.Error(w, "input required", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{f.vector}})
		case "/api/pull":
			var req struct {
				Name   string `json:"name"`
				Stream bool   `json:"stream"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.pulled = append(f.pulled, req.Name)
			enc := json.NewEncoder(w)
			enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
			enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
			enc.Encode(PullProgress{Status: "success"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func downClient() *Client {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return New(srv.URL)
}

func TestIsRunning(t *testing.T) {
	if !(&fakeOllama{}).start(t).IsRunning(context.Background()) {
		t.Error("IsRunning = false for a live server")
	}
	if downClient().IsRunning(context.Background()) {
		t.Error("IsRunning = true for a closed server")
	}
}

func TestListModels(t *testing.T) {
	c := (&fakeOllama{models: []string{"nomic-embed-text:latest", "llama3:8b"}}).start(t)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "nomic-embed-text:latest" || models[1] != "llama3:8b" {
		t.Errorf("models = %v", models)
	}
}

func TestHasModel(t *testing.T) {
	c := (&fakeOllama{models: []string{"nomic-embed-text:latest", "nomic-embed-text-v2:latest"}}).start(t)
	tests := map[string]bool{
		"nomic-embed-text":        true,
		"nomic-embed-text:latest": true,
		"nomic-embed":             false,
		"all-minilm":              false,
	}
	for name, want := range tests {
		if got := c.HasModel(context.Background(), name); got != want {
			t.Errorf("HasModel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestEmbed(t *testing.T) {
	c := (&fakeOllama{vector: []float32{0.1, 0.2, 0.3}}).start(t)
	vec, err := c.Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.1, 0.2, 0.3}
	if len(vec) != len(want) {
		t.Fatalf("got %d floats, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], want[i])
		}
	}
}

func TestEmbed_EmptyVector(t *testing.T) {
	c := (&fakeOllama{}).start(t)
	if _, err := c.Embed(context.Background(), "m", "hello"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("err = %v, want empty embeddings error", err)
	}
}

func TestEmbed_StatusError(t *testing.T) {
	c := (&fakeOllama{vector: []float32{1}}).start(t)
	_, err := c.Embed(context.Background(), "m", "")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest || !strings.Contains(se.Body, "input required") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestPullModel_Progress(t *testing.T) {
	f := &fakeOllama{}
	c := f.start(t)

	var last PullProgress
	count := 0
	err := c.PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		count++
		last = p
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if count != 3 || last.Status != "success" {
		t.Errorf("progress: %d updates, last %+v", count, last)
	}
	if len(f.pulled) != 1 || f.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v", f.pulled)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	err := EnsureReady(context.Background(), downClient(), "nomic-embed-text", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("err = %v, want not running", err)
	}
}

func TestEnsureReady_ModelPresent(t *testing.T) {
	f := &fakeOllama{models: []string{"nomic-embed-text:latest"}}
	var out strings.Builder
	if err := EnsureReady(context.Background(), f.start(t), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(f.pulled) != 0 {
		t.Errorf("unexpected pull of %v", f.pulled)
	}
	if !strings.Contains(out.String(), "nomic-embed-text: ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{models: []string{"all-minilm:latest"}}
	var out strings.Builder
	if err := EnsureReady(context.Background(), f.start(t), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(f.pulled) != 1 {
		t.Errorf("pulled = %v, want one pull", f.pulled)
	}
	for _, want := range []string{"pulling", "downloading 50%", "nomic-embed-text: ready"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q: %q", want, out.String())
		}
	}
}
