package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/m4xw311/fuzz/aiconfig"
)

// DefaultOllamaBase is the native API root of a local Ollama server.
const DefaultOllamaBase = "http://localhost:11434"

// OllamaClient talks to the native Ollama API for model discovery.
type OllamaClient struct {
	httpClient *http.Client
}

func NewOllamaClient() *OllamaClient {
	return &OllamaClient{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// NativeBase normalises apiBase to the native API root, dropping a trailing
// /v1 used by the OpenAI-compatible endpoint.
func NativeBase(apiBase string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return DefaultOllamaBase
	}
	return base
}

// ListModels returns the models the server at apiBase currently serves.
func (c *OllamaClient) ListModels(ctx context.Context, apiBase string) ([]aiconfig.DiscoveredModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, NativeBase(apiBase)+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name    string `json:"name"`
			Details struct {
				Family   string   `json:"family"`
				Families []string `json:"families"`
			} `json:"details"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]aiconfig.DiscoveredModel, len(result.Models))
	for i, m := range result.Models {
		models[i] = aiconfig.DiscoveredModel{
			Name:     m.Name,
			Family:   m.Details.Family,
			Families: m.Details.Families,
		}
	}
	return models, nil
}
