package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragdesk/internal/config"
)

// NDJSONClient talks to a generation endpoint that answers with one JSON
// object per line, each carrying a "content" fragment.
type NDJSONClient struct {
	url     string
	model   string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

type ndjsonRequest struct {
	Messages []Message       `json:"messages"`
	Config   ndjsonGenConfig `json:"config"`
}

type ndjsonGenConfig struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Model       string  `json:"model,omitempty"`
}

// NewNDJSONClient builds a client for cfg.BaseURL + cfg.StreamPath.
func NewNDJSONClient(cfg config.GenerationConfig) *NDJSONClient {
	path := cfg.StreamPath
	if path == "" {
		path = config.DefaultStreamPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultGenerateTimeout) * time.Second
	}
	return &NDJSONClient{
		url:     strings.TrimRight(cfg.BaseURL, "/") + path,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Stream posts the conversation and relays every parsed content fragment.
// Lines that are not JSON objects with a string "content" are skipped.
func (c *NDJSONClient) Stream(ctx context.Context, messages []Message, opts Options, onDelta func(string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(ndjsonRequest{
		Messages: messages,
		Config: ndjsonGenConfig{
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Model:       c.model,
		},
	})
	if err != nil {
		return fmt.Errorf("encode generation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("generation service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		delta, ok := parseLine(scanner.Bytes())
		if !ok || delta == "" {
			continue
		}
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read generation stream: %w", err)
	}
	return nil
}

// Complete collects the stream into a single reply.
func (c *NDJSONClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	return Collect(ctx, c, messages, opts)
}

func parseLine(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}
	// tolerate SSE framing from OpenAI-style proxies
	line = bytes.TrimPrefix(line, []byte("data:"))
	line = bytes.TrimSpace(line)
	var chunk struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(line, &chunk); err != nil || chunk.Content == nil {
		return "", false
	}
	return *chunk.Content, true
}
