// Package suggest talks to the AI-suggestion collaborator. The collaborator
// is opaque: it receives text and returns free-text suggestions or span
// candidates; Redpen never interprets how they were produced.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Candidate is one whole-document suggestion: a span of the analyzed text and
// the proposed annotation body. Offsets are rune offsets, the same unit the
// annotation engine uses.
type Candidate struct {
	Start int    `json:"startOffset"`
	End   int    `json:"endOffset"`
	Text  string `json:"text"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Suggest asks for a single free-text suggestion about the selected passage.
func (c *Client) Suggest(ctx context.Context, selectedText string) (string, error) {
	var out struct {
		Suggestion string `json:"suggestion"`
	}
	err := c.post(ctx, "/v1/suggest", map[string]any{"selectedText": selectedText}, &out)
	if err != nil {
		return "", err
	}
	return out.Suggestion, nil
}

// Analyze asks for whole-document span candidates. Invalid candidates are the
// engine's problem; the client passes through whatever the collaborator sent.
func (c *Client) Analyze(ctx context.Context, text string) ([]Candidate, error) {
	var out struct {
		Suggestions []Candidate `json:"suggestions"`
	}
	err := c.post(ctx, "/v1/analyze", map[string]any{"text": text}, &out)
	if err != nil {
		return nil, err
	}
	return out.Suggestions, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("suggestion service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("suggestion service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
