package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/contextsync/internal/ollama"
)

const DefaultOllamaModel = "nomic-embed-text"

// OllamaProvider embeds through a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(c *ollama.Client, model string) *OllamaProvider {
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaProvider{client: c, model: model}
}

func (p *OllamaProvider) Name() string { return "ollama:" + p.model }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.client.Embed(ctx, p.model, text)
	if err == nil {
		return vec, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var se *ollama.StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}
