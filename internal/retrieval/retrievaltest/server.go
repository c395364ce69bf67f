// Package retrievaltest provides an in-memory retrieval service speaking the
// same HTTP contract as the real one, for tests.
package retrievaltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Doc is one indexed document held by the fake service.
type Doc struct {
	ID       string
	Filename string
	Tags     []string
	Chunks   int
	Cached   bool
}

// Server is a fake retrieval service.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	docs  map[string]*Doc
	fail  map[string]string
	calls []string

	// Down makes every endpoint answer 503.
	Down bool
	// BrokenConfig makes /config answer with an unusable payload.
	BrokenConfig bool
	// FailQuery makes /query answer 500.
	FailQuery bool
	// ChunksPerDoc is the chunk count reported for a processed document.
	ChunksPerDoc int
	// Block, when set, holds processing calls until it is closed.
	Block chan struct{}
}

// NewServer starts a fake retrieval service.
func NewServer() *Server {
	s := &Server{
		docs:         make(map[string]*Doc),
		fail:         make(map[string]string),
		ChunksPerDoc: 3,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /config", s.config)
	mux.HandleFunc("POST /process-pdf-path", s.process)
	mux.HandleFunc("POST /process-batch", s.processBatch)
	mux.HandleFunc("GET /cache/{id}", s.cache)
	mux.HandleFunc("POST /rechunk/{id}", s.rechunk)
	mux.HandleFunc("POST /query", s.query)
	mux.HandleFunc("GET /chunks/{id}", s.chunks)
	mux.HandleFunc("DELETE /document/{id}", s.deleteDocument)
	mux.HandleFunc("PUT /document/{id}/tags", s.updateTags)
	mux.HandleFunc("DELETE /clear-all", s.clearAll)
	s.Server = httptest.NewServer(s.wrap(mux))
	return s
}

// FailDocument makes processing of id fail with msg.
func (s *Server) FailDocument(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = msg
}

// ClearFailures removes all configured processing failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = make(map[string]string)
}

// SetDown toggles the unavailable mode.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Down = down
}

// Seed inserts a document as if it had been processed.
func (s *Server) Seed(doc Doc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doc
	s.docs[doc.ID] = &d
}

// Doc returns a copy of the indexed document.
func (s *Server) Doc(id string) (Doc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return Doc{}, false
	}
	return *d, true
}

// Calls returns "METHOD /path" for every request received.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount counts received requests whose "METHOD /path" starts with prefix.
func (s *Server) CallCount(prefix string) int {
	n := 0
	for _, c := range s.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		down := s.Down
		s.mu.Unlock()
		if down {
			writeError(w, http.StatusServiceUnavailable, "retrieval service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wait(r *http.Request) {
	if s.Block == nil {
		return
	}
	select {
	case <-s.Block:
	case <-r.Context().Done():
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	tags := map[string]struct{}{}
	for _, d := range s.docs {
		count += d.Chunks
		for _, t := range d.Tags {
			tags[t] = struct{}{}
		}
	}
	list := make([]string, 0, len(tags))
	for t := range tags {
		list = append(list, t)
	}
	sort.Strings(list)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"documents_count": count,
		"available_tags":  list,
	})
}

func (s *Server) config(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	broken := s.BrokenConfig
	s.mu.Unlock()
	if broken {
		writeJSON(w, http.StatusOK, map[string]any{"defaults": "nope"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults": map[string]any{
			"extractor_mode": "text",
			"chunker_mode":   "semantic",
			"merge_window":   1,
		},
		"options": map[string]any{
			"extractor_modes":    []string{"text", "vision"},
			"chunker_modes":      []string{"semantic", "agentic"},
			"merge_window_range": []int{0, 5},
		},
	})
}

type processItem struct {
	ID       string   `json:"pdf_id"`
	Filename string   `json:"filename"`
	FilePath string   `json:"file_path"`
	Tags     []string `json:"tags"`
}

// indexLocked processes one item and returns its chunk count or failure.
func (s *Server) indexLocked(item processItem) (int, string) {
	if msg, ok := s.fail[item.ID]; ok {
		return 0, msg
	}
	if item.FilePath == "" {
		return 0, "file_path is required"
	}
	s.docs[item.ID] = &Doc{
		ID:       item.ID,
		Filename: item.Filename,
		Tags:     append([]string(nil), item.Tags...),
		Chunks:   s.ChunksPerDoc,
		Cached:   true,
	}
	return s.ChunksPerDoc, ""
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	var req processItem
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.wait(r)
	s.mu.Lock()
	chunks, failure := s.indexLocked(req)
	s.mu.Unlock()
	if failure != "" {
		writeError(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"pdf_id":         req.ID,
		"chunks_created": chunks,
		"message":        fmt.Sprintf("Successfully processed %s: %d chunks created", req.Filename, chunks),
	})
}

func (s *Server) processBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []processItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "No items provided")
		return
	}
	s.wait(r)
	s.mu.Lock()
	results := make([]map[string]any, 0, len(req.Items))
	processed, failed := 0, 0
	for _, item := range req.Items {
		chunks, failure := s.indexLocked(item)
		res := map[string]any{
			"pdf_id":         item.ID,
			"filename":       item.Filename,
			"success":        failure == "",
			"chunks_created": chunks,
			"error":          nil,
		}
		if failure != "" {
			res["error"] = failure
			failed++
		} else {
			processed++
		}
		results = append(results, res)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   failed == 0,
		"processed": processed,
		"failed":    failed,
		"results":   results,
	})
}

func (s *Server) cache(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	d, ok := s.docs[id]
	cached := ok && d.Cached
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"pdf_id": id, "has_cache": cached})
}

func (s *Server) rechunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		MergeWindow int `json:"merge_window"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.wait(r)
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || !d.Cached {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, fmt.Sprintf("No extraction cache found for PDF %s. Run full processing first.", id))
		return
	}
	d.Chunks = s.ChunksPerDoc + req.MergeWindow
	chunks := d.Chunks
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"pdf_id":         id,
		"chunks_created": chunks,
		"message":        "rechunked",
	})
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string   `json:"query"`
		Tags   []string `json:"tags"`
		PDFIDs []string `json:"pdf_ids"`
		TopK   int      `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailQuery {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]map[string]any, 0)
	similarity := 0.95
	for _, id := range ids {
		d := s.docs[id]
		if d.Chunks == 0 || !matchesAny(d.Tags, req.Tags) {
			continue
		}
		if len(req.PDFIDs) > 0 && !slices.Contains(req.PDFIDs, id) {
			continue
		}
		if req.TopK > 0 && len(results) >= req.TopK {
			break
		}
		results = append(results, map[string]any{
			"id":   fmt.Sprintf("%s_chunk_0", id),
			"text": fmt.Sprintf("content of %s about %s", d.Filename, req.Query),
			"metadata": map[string]any{
				"pdf_id":   id,
				"filename": d.Filename,
				"page_num": 1,
				"tags":     strings.Join(d.Tags, ","),
			},
			"similarity": similarity,
		})
		similarity -= 0.1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"query":   req.Query,
		"filters": map[string]any{"tags": req.Tags, "pdf_ids": req.PDFIDs, "top_k": req.TopK},
	})
}

func (s *Server) chunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := make([]map[string]any, 0)
	if d, ok := s.docs[id]; ok {
		for i := offset; i < d.Chunks && len(chunks) < limit; i++ {
			chunks = append(chunks, map[string]any{
				"id":   fmt.Sprintf("%s_chunk_%d", id, i),
				"text": fmt.Sprintf("chunk %d of %s", i, d.Filename),
				"metadata": map[string]any{
					"pdf_id":   id,
					"filename": d.Filename,
					"page_num": i + 1,
					"tags":     strings.Join(d.Tags, ","),
				},
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pdf_id":       id,
		"total_chunks": len(chunks),
		"offset":       offset,
		"limit":        limit,
		"chunks":       chunks,
	})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	deleted := 0
	if d, ok := s.docs[id]; ok {
		deleted = d.Chunks
		delete(s.docs, id)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pdf_id": id, "chunks_deleted": deleted})
}

func (s *Server) updateTags(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	updated := 0
	if d, ok := s.docs[id]; ok {
		d.Tags = append([]string(nil), req.Tags...)
		updated = d.Chunks
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pdf_id": id, "chunks_updated": updated, "new_tags": req.Tags})
}

func (s *Server) clearAll(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.docs)
	s.docs = make(map[string]*Doc)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_count": n})
}

func matchesAny(docTags, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		for _, t := range docTags {
			if strings.EqualFold(f, t) {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}
