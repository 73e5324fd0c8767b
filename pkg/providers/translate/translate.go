// Package translate provides the HTTP JSON translation adapter used by the
// session pipeline's translate fan-out stage. Grounded on the teacher's
// OpenAILLM HTTP adapter shape (pkg/providers/llm/openai.go): a small
// struct holding an API key/URL/model, one JSON POST per call, a typed
// response struct decoded from the body.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Translator is the interface the pipeline depends on; HTTPTranslator is
// the production implementation and tests supply a fake.
type Translator interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
	Name() string
}

// HTTPTranslator calls a third-party translation HTTP API.
type HTTPTranslator struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

// NewHTTPTranslator constructs a translator against url using apiKey for
// bearer auth. A nil client defaults to http.DefaultClient.
func NewHTTPTranslator(apiKey, url, model string, client *http.Client) *HTTPTranslator {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = "https://api.openai.com/v1/chat/completions"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPTranslator{apiKey: apiKey, url: url, model: model, client: client}
}

// Translate asks the upstream model to translate text from sourceLanguage
// to targetLanguage. The caller is responsible for imposing a deadline via
// ctx (the pipeline applies a 2s budget per spec.md §6).
func (t *HTTPTranslator) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	prompt := fmt.Sprintf(
		"Translate the following %s text to %s. Respond with only the translation, no commentary.\n\n%s",
		sourceLanguage, targetLanguage, text,
	)
	payload := map[string]interface{}{
		"model": t.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("translate: upstream error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("translate: no choices returned")
	}

	return result.Choices[0].Message.Content, nil
}

// Name identifies this provider for logging/metrics.
func (t *HTTPTranslator) Name() string {
	return "http-translate"
}
