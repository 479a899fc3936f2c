package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// LLMClient forwards prompts to the policy-configured completion endpoint.
// The host performs no prompt rewriting; the endpoint and model never come
// from the guest.
type LLMClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewLLMClient builds the proxy. An empty endpoint disables the capability.
func NewLLMClient(endpoint, model, apiKey string) *LLMClient {
	return &LLMClient{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

// Enabled reports whether policy configured an endpoint.
func (c *LLMClient) Enabled() bool {
	return c != nil && c.endpoint != ""
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Complete sends the prompt and returns the raw textual completion.
func (c *LLMClient) Complete(ctx context.Context, prompt string) (string, *Error) {
	if !c.Enabled() {
		return "", NewError(KindPermissionDenied, "llm capability is disabled by policy")
	}
	body, err := json.Marshal(completionRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", NewError(KindExternalFailure, "llm.complete: encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", NewError(KindExternalFailure, "llm.complete: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", NewError(KindTimeout, "llm.complete timed out")
		}
		return "", NewError(KindExternalFailure, "llm.complete: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", NewError(KindExternalFailure, "llm.complete: read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewError(KindExternalFailure, "llm.complete: endpoint returned %s: %s",
			resp.Status, firstLine(payload))
	}
	var decoded completionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", NewError(KindExternalFailure, "llm.complete: decode response: %v", err)
	}
	if decoded.Error != "" {
		return "", NewError(KindExternalFailure, "llm.complete: %s", decoded.Error)
	}
	return decoded.Content, nil
}

func firstLine(payload []byte) string {
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		payload = payload[:idx]
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}
	return string(payload)
}
