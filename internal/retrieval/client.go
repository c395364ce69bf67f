package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ragdesk/internal/config"
	"ragdesk/internal/models"
)

// ErrCacheMiss is returned by Rechunk when no text extraction was cached for
// the document.
var ErrCacheMiss = errors.New("no extraction cache for document, run full processing first")

// StatusError carries a non-2xx answer from the retrieval service.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("retrieval service returned status %d", e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client talks to the retrieval service over HTTP/JSON.
type Client struct {
	baseURL        string
	client         *http.Client
	processTimeout time.Duration
	requestTimeout time.Duration
}

// New builds a client from the retrieval section of the config.
func New(cfg config.RetrievalConfig) *Client {
	return NewClient(cfg.BaseURL,
		time.Duration(cfg.ProcessTimeout)*time.Second,
		time.Duration(cfg.RequestTimeout)*time.Second,
	)
}

// NewClient builds a client. processTimeout bounds extraction and chunking
// calls, requestTimeout bounds everything else.
func NewClient(baseURL string, processTimeout, requestTimeout time.Duration) *Client {
	if processTimeout <= 0 {
		processTimeout = time.Duration(config.DefaultProcessTimeout) * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = time.Duration(config.DefaultRequestTimeout) * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{},
		processTimeout: processTimeout,
		requestTimeout: requestTimeout,
	}
}

// Item identifies one stored document to extract and chunk.
type Item struct {
	ID       string
	Filename string
	Locator  string
	Tags     []string
}

// BatchResult is the per-document outcome of a batch call.
type BatchResult struct {
	ID         string `json:"pdf_id"`
	Filename   string `json:"filename"`
	Success    bool   `json:"success"`
	ChunkCount int    `json:"chunks_created"`
	Error      string `json:"error"`
}

// Result is one retrieved passage.
type Result struct {
	ID         string
	DocumentID string
	Text       string
	Filename   string
	Page       int
	Tags       []string
	Similarity float64
}

// Health is the retrieval service's availability report.
type Health struct {
	Available      bool     `json:"available"`
	Status         string   `json:"status,omitempty"`
	DocumentsCount int      `json:"documents_count"`
	Tags           []string `json:"tags"`
}

type processRequest struct {
	ID            string   `json:"pdf_id"`
	Filename      string   `json:"filename"`
	Tags          []string `json:"tags"`
	FilePath      string   `json:"file_path"`
	ExtractorMode string   `json:"extractor_mode,omitempty"`
	ChunkerMode   string   `json:"chunker_mode,omitempty"`
	MergeWindow   *int     `json:"merge_window,omitempty"`
}

type processResponse struct {
	Success    bool   `json:"success"`
	ID         string `json:"pdf_id"`
	ChunkCount int    `json:"chunks_created"`
	Message    string `json:"message"`
}

type batchItem struct {
	ID       string   `json:"pdf_id"`
	Filename string   `json:"filename"`
	FilePath string   `json:"file_path"`
	Tags     []string `json:"tags"`
}

type batchRequest struct {
	Items         []batchItem `json:"items"`
	ExtractorMode string      `json:"extractor_mode,omitempty"`
	ChunkerMode   string      `json:"chunker_mode,omitempty"`
	MergeWindow   *int        `json:"merge_window,omitempty"`
}

type batchResponse struct {
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

type rechunkRequest struct {
	ID          string `json:"pdf_id"`
	ChunkerMode string `json:"chunker_mode,omitempty"`
	MergeWindow *int   `json:"merge_window,omitempty"`
}

type queryRequest struct {
	Query  string   `json:"query"`
	Tags   []string `json:"tags,omitempty"`
	PDFIDs []string `json:"pdf_ids,omitempty"`
	TopK   int      `json:"top_k"`
}

type chunkMetadata struct {
	DocumentID string  `json:"pdf_id"`
	Filename   string  `json:"filename"`
	PageNum    float64 `json:"page_num"`
	Tags       string  `json:"tags"`
}

type queryResponse struct {
	Results []struct {
		ID       string `json:"id"`
		Text     string `json:"text"`
		Metadata   chunkMetadata `json:"metadata"`
		Similarity float64       `json:"similarity"`
	} `json:"results"`
}

type chunksResponse struct {
	Total  int `json:"total_chunks"`
	Chunks []struct {
		ID       string        `json:"id"`
		Text     string        `json:"text"`
		Metadata chunkMetadata `json:"metadata"`
	} `json:"chunks"`
}

type configResponse struct {
	Defaults struct {
		ExtractorMode string `json:"extractor_mode"`
		ChunkerMode   string `json:"chunker_mode"`
		MergeWindow   int    `json:"merge_window"`
	} `json:"defaults"`
	Options struct {
		ExtractorModes   []string `json:"extractor_modes"`
		ChunkerModes     []string `json:"chunker_modes"`
		MergeWindowRange []int    `json:"merge_window_range"`
	} `json:"options"`
}

// ExtractAndChunk runs extraction and chunking for one stored document and
// returns the number of indexed chunks.
func (c *Client) ExtractAndChunk(ctx context.Context, item Item, opts models.Options) (int, error) {
	window := opts.MergeWindow
	req := processRequest{
		ID:            item.ID,
		Filename:      item.Filename,
		Tags:          nonNilTags(item.Tags),
		FilePath:      item.Locator,
		ExtractorMode: opts.ExtractorMode,
		ChunkerMode:   opts.ChunkerMode,
		MergeWindow:   &window,
	}
	var resp processResponse
	if err := c.do(ctx, c.processTimeout, http.MethodPost, "/process-pdf-path", req, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, errors.New(firstNonEmpty(resp.Message, "processing reported failure"))
	}
	return resp.ChunkCount, nil
}

// BatchExtractAndChunk submits several documents in one call so the remote
// side sets up its models once.
func (c *Client) BatchExtractAndChunk(ctx context.Context, items []Item, opts models.Options) ([]BatchResult, error) {
	window := opts.MergeWindow
	req := batchRequest{
		Items:         make([]batchItem, 0, len(items)),
		ExtractorMode: opts.ExtractorMode,
		ChunkerMode:   opts.ChunkerMode,
		MergeWindow:   &window,
	}
	for _, item := range items {
		req.Items = append(req.Items, batchItem{
			ID:       item.ID,
			Filename: item.Filename,
			FilePath: item.Locator,
			Tags:     nonNilTags(item.Tags),
		})
	}
	var resp batchResponse
	if err := c.do(ctx, c.processTimeout, http.MethodPost, "/process-batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// HasCache reports whether a text extraction is cached for the document.
func (c *Client) HasCache(ctx context.Context, id string) (bool, error) {
	var resp struct {
		HasCache bool `json:"has_cache"`
	}
	if err := c.do(ctx, c.requestTimeout, http.MethodGet, "/cache/"+url.PathEscape(id), nil, &resp); err != nil {
		return false, err
	}
	return resp.HasCache, nil
}

// Rechunk re-runs chunking over the cached extraction. It returns
// ErrCacheMiss when the service has no cache for the document.
func (c *Client) Rechunk(ctx context.Context, id string, opts models.Options) (int, error) {
	window := opts.MergeWindow
	req := rechunkRequest{ID: id, ChunkerMode: opts.ChunkerMode, MergeWindow: &window}
	var resp processResponse
	err := c.do(ctx, c.processTimeout, http.MethodPost, "/rechunk/"+url.PathEscape(id), req, &resp)
	if IsStatus(err, http.StatusNotFound) {
		return 0, ErrCacheMiss
	}
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, errors.New(firstNonEmpty(resp.Message, "rechunk reported failure"))
	}
	return resp.ChunkCount, nil
}

// Filter narrows a similarity search. Empty fields do not filter.
type Filter struct {
	Tags        []string
	DocumentIDs []string
}

// Query runs a similarity search. Results are returned in the order the
// service ranked them.
func (c *Client) Query(ctx context.Context, text string, filter Filter, topK int) ([]Result, error) {
	req := queryRequest{Query: text, TopK: topK}
	if len(filter.Tags) > 0 {
		req.Tags = filter.Tags
	}
	if len(filter.DocumentIDs) > 0 {
		req.PDFIDs = filter.DocumentIDs
	}
	var resp queryResponse
	if err := c.do(ctx, c.requestTimeout, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, Result{
			ID:         r.ID,
			DocumentID: r.Metadata.DocumentID,
			Text:       r.Text,
			Filename:   r.Metadata.Filename,
			Page:       int(r.Metadata.PageNum),
			Tags:       models.SplitTags(r.Metadata.Tags),
			Similarity: r.Similarity,
		})
	}
	return results, nil
}

// Chunk is one indexed passage of a document.
type Chunk struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Filename string   `json:"filename"`
	Page     int      `json:"page"`
	Tags     []string `json:"tags"`
}

// Chunks lists the indexed passages of one document, limit at a time.
func (c *Client) Chunks(ctx context.Context, id string, limit, offset int) ([]Chunk, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp chunksResponse
	path := "/chunks/" + url.PathEscape(id) + "?" + q.Encode()
	if err := c.do(ctx, c.requestTimeout, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(resp.Chunks))
	for _, ch := range resp.Chunks {
		chunks = append(chunks, Chunk{
			ID:       ch.ID,
			Text:     ch.Text,
			Filename: ch.Metadata.Filename,
			Page:     int(ch.Metadata.PageNum),
			Tags:     models.SplitTags(ch.Metadata.Tags),
		})
	}
	return chunks, nil
}

// DeleteIndex drops the document's chunks and extraction cache. A missing
// entry is not an error.
func (c *Client) DeleteIndex(ctx context.Context, id string) error {
	err := c.do(ctx, c.requestTimeout, http.MethodDelete, "/document/"+url.PathEscape(id), nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// UpdateTags replaces the tags stored with the document's chunks.
func (c *Client) UpdateTags(ctx context.Context, id string, tags []string) error {
	body := struct {
		ID   string   `json:"pdf_id"`
		Tags []string `json:"tags"`
	}{ID: id, Tags: nonNilTags(tags)}
	return c.do(ctx, c.requestTimeout, http.MethodPut, "/document/"+url.PathEscape(id)+"/tags", body, nil)
}

// ClearAll removes every chunk from the index.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.do(ctx, c.requestTimeout, http.MethodDelete, "/clear-all", nil, nil)
}

// Config fetches the advertised processing defaults and ranges.
func (c *Client) Config(ctx context.Context) (*models.Capabilities, error) {
	var resp configResponse
	if err := c.do(ctx, c.requestTimeout, http.MethodGet, "/config", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Options.MergeWindowRange) != 2 {
		return nil, fmt.Errorf("malformed merge_window_range: %v", resp.Options.MergeWindowRange)
	}
	return &models.Capabilities{
		Defaults: models.Options{
			ExtractorMode: resp.Defaults.ExtractorMode,
			ChunkerMode:   resp.Defaults.ChunkerMode,
			MergeWindow:   resp.Defaults.MergeWindow,
		},
		Ranges: models.OptionRange{
			ExtractorModes:   resp.Options.ExtractorModes,
			ChunkerModes:     resp.Options.ChunkerModes,
			MergeWindowRange: [2]int{resp.Options.MergeWindowRange[0], resp.Options.MergeWindowRange[1]},
		},
		Live: true,
	}, nil
}

// Health reports availability and the tags currently indexed.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp struct {
		Status         string   `json:"status"`
		DocumentsCount int      `json:"documents_count"`
		AvailableTags  []string `json:"available_tags"`
	}
	if err := c.do(ctx, c.requestTimeout, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	tags := resp.AvailableTags
	if tags == nil {
		tags = []string{}
	}
	return &Health{
		Available:      true,
		Status:         resp.Status,
		DocumentsCount: resp.DocumentsCount,
		Tags:           tags,
	}, nil
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("retrieval service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Code: resp.StatusCode, Detail: errorDetail(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorDetail extracts FastAPI's {"detail": ...} message, falling back to the
// raw body.
func errorDetail(raw []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Detail) > 0 {
		var msg string
		if err := json.Unmarshal(payload.Detail, &msg); err == nil {
			return msg
		}
		return string(payload.Detail)
	}
	return strings.TrimSpace(string(raw))
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
