package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ragdesk/internal/capability"
	"ragdesk/internal/models"
	"ragdesk/internal/retrieval"
	"ragdesk/internal/service/library"
)

const maxFilesPerUpload = 20

func (h *Handler) listDocuments(c *gin.Context) {
	docs, err := h.library.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) getDocument(c *gin.Context) {
	doc, err := h.library.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.documentError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// documentError maps library, capability and retrieval errors to statuses.
func (h *Handler) documentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, capability.ErrInvalidOption):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, retrieval.ErrCacheMiss):
		c.JSON(http.StatusConflict, gin.H{"error": retrieval.ErrCacheMiss.Error(), "cache_miss": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// checkUpload rejects anything that is not a PDF within the size limit.
func (h *Handler) checkUpload(file *multipart.FileHeader) (int, error) {
	name := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return http.StatusBadRequest, fmt.Errorf("%s: only .pdf files are accepted", name)
	}
	if file.Size > h.maxUpload {
		return http.StatusRequestEntityTooLarge, fmt.Errorf("%s: file too large (max %d MB)", name, h.maxUpload>>20)
	}
	f, err := file.Open()
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("%s: open file failed", name)
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	if ct := http.DetectContentType(buf[:n]); ct != "application/pdf" {
		return http.StatusBadRequest, fmt.Errorf("%s: unsupported file type %s", name, ct)
	}
	return 0, nil
}

// requestFromForm reads processing choices sent alongside an upload.
func requestFromForm(c *gin.Context) (capability.Request, error) {
	req := capability.Request{
		ExtractorMode: strings.TrimSpace(c.PostForm("extractor_mode")),
		ChunkerMode:   strings.TrimSpace(c.PostForm("chunker_mode")),
	}
	if raw := strings.TrimSpace(c.PostForm("merge_window")); raw != "" {
		window, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("%w: merge window %q", capability.ErrInvalidOption, raw)
		}
		req.MergeWindow = &window
	}
	return req, nil
}

func (h *Handler) uploadDocuments(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload*maxFilesPerUpload+(1<<20))
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	var files []*multipart.FileHeader
	files = append(files, form.File["files"]...)
	files = append(files, form.File["file"]...)
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if len(files) > maxFilesPerUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d files per upload", maxFilesPerUpload)})
		return
	}
	for _, file := range files {
		if status, err := h.checkUpload(file); err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	req, err := requestFromForm(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// an offline retrieval service still yields the built-in ranges
	opts, err := capability.Normalize(req, h.caps.GetConfig(ctx))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tags := models.SplitTags(c.PostForm("tags"))

	ids := make([]string, 0, len(files))
	for _, file := range files {
		doc, err := h.storeUpload(ctx, file, tags, opts)
		if err != nil {
			log.Printf("api: store upload %s failed: %v", file.Filename, err)
			h.abandon(ctx, ids, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
			return
		}
		ids = append(ids, doc.ID)
	}

	docs, task, err := h.ingest.Submit(ctx, ids, opts)
	if err != nil {
		log.Printf("api: submit %d documents failed: %v", len(ids), err)
		h.abandon(ctx, ids, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Printf("api: accepted %d documents as task %s", len(docs), task.ID)
	c.JSON(http.StatusAccepted, gin.H{"documents": docs})
}

func (h *Handler) storeUpload(ctx context.Context, file *multipart.FileHeader, tags []string, opts models.Options) (*models.Document, error) {
	id := uuid.NewString()
	dir := h.documentDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	name := filepath.Base(file.Filename)
	dest := filepath.Join(dir, name)
	if err := saveUploadedFile(file, dest); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	doc := &models.Document{
		ID:         id,
		Filename:   name,
		Size:       file.Size,
		Tags:       tags,
		StoredPath: dest,
		Options:    opts,
	}
	if err := h.library.Create(ctx, doc); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return doc, nil
}

func saveUploadedFile(file *multipart.FileHeader, dest string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return out.Close()
}

// abandon marks records that will never reach the orchestrator as failed.
func (h *Handler) abandon(ctx context.Context, ids []string, cause error) {
	for _, id := range ids {
		doc, err := h.library.Get(context.WithoutCancel(ctx), id)
		if err != nil || doc.Status.Terminal() {
			continue
		}
		if _, err := h.library.MarkFailed(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
			log.Printf("api: mark %s failed: %v", id, err)
		}
	}
}

func (h *Handler) documentDir(id string) string {
	return filepath.Join(h.fileBase, id)
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) reprocessDocument(c *gin.Context) {
	var req capability.Request
	if err := bindOptional(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.reprocess(c, []string{c.Param("id")}, req)
}

type reprocessBatchRequest struct {
	IDs []string `json:"ids"`
	capability.Request
}

func (h *Handler) reprocessDocuments(c *gin.Context) {
	var req reprocessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}
	h.reprocess(c, req.IDs, req.Request)
}

func (h *Handler) reprocess(c *gin.Context, ids []string, req capability.Request) {
	ctx := c.Request.Context()
	opts, err := capability.Normalize(req, h.caps.GetConfig(ctx))
	if err != nil {
		h.documentError(c, err)
		return
	}
	docs, task, err := h.ingest.Resubmit(ctx, ids, opts)
	if err != nil {
		h.documentError(c, err)
		return
	}
	log.Printf("api: reprocessing %d documents as task %s (%s)", len(docs), task.ID, task.Kind)
	c.JSON(http.StatusAccepted, gin.H{"documents": docs})
}

func (h *Handler) documentCache(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.library.Get(ctx, id); err != nil {
		h.documentError(c, err)
		return
	}
	has, err := h.retrieval.HasCache(ctx, id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": id, "has_cache": has})
}

const maxChunksPerPage = 500

// documentChunks pages through the indexed passages of one document.
func (h *Handler) documentChunks(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.library.Get(ctx, id); err != nil {
		h.documentError(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit = min(limit, maxChunksPerPage)
	chunks, err := h.retrieval.Chunks(ctx, id, limit, offset)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": id,
		"offset":      offset,
		"limit":       limit,
		"chunks":      chunks,
	})
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (h *Handler) updateTags(c *gin.Context) {
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	doc, err := h.library.UpdateTags(ctx, c.Param("id"), req.Tags)
	if err != nil {
		h.documentError(c, err)
		return
	}
	synced := true
	if doc.Status == models.StatusSuccess {
		if err := h.retrieval.UpdateTags(ctx, doc.ID, doc.Tags); err != nil {
			log.Printf("api: sync tags of %s failed: %v", doc.ID, err)
			synced = false
		}
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "index_synced": synced})
}

func (h *Handler) deleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.library.Get(ctx, id); err != nil {
		h.documentError(c, err)
		return
	}
	if err := h.ingest.Tasks().CancelAndWait(ctx, id); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document is still processing"})
		return
	}
	if err := h.retrieval.DeleteIndex(ctx, id); err != nil {
		log.Printf("api: delete index of %s failed: %v", id, err)
	}
	if err := os.RemoveAll(h.documentDir(id)); err != nil {
		log.Printf("api: remove files of %s failed: %v", id, err)
	}
	if err := h.library.Delete(ctx, id); err != nil {
		h.documentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) deleteAllDocuments(c *gin.Context) {
	ctx := c.Request.Context()
	docs, err := h.library.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, doc := range docs {
		if err := h.ingest.Tasks().CancelAndWait(ctx, doc.ID); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "documents are still processing"})
			return
		}
	}
	if err := h.retrieval.ClearAll(ctx); err != nil {
		log.Printf("api: clear index failed: %v", err)
	}
	for _, doc := range docs {
		if err := os.RemoveAll(h.documentDir(doc.ID)); err != nil {
			log.Printf("api: remove files of %s failed: %v", doc.ID, err)
		}
	}
	n, err := h.library.DeleteAll(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
