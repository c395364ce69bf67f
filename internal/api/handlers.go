package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragdesk/internal/capability"
	"ragdesk/internal/chat"
	"ragdesk/internal/ingest"
	"ragdesk/internal/metrics"
	"ragdesk/internal/retrieval"
	"ragdesk/internal/service/library"
	"ragdesk/internal/service/sessions"
	"ragdesk/internal/worker"
)

// RetrievalService is the part of the retrieval client the HTTP layer calls
// directly. Ingestion goes through the orchestrator.
type RetrievalService interface {
	Health(ctx context.Context) (*retrieval.Health, error)
	HasCache(ctx context.Context, id string) (bool, error)
	Chunks(ctx context.Context, id string, limit, offset int) ([]retrieval.Chunk, error)
	UpdateTags(ctx context.Context, id string, tags []string) error
	DeleteIndex(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

// Deps collects what the handler needs.
type Deps struct {
	Library      *library.Store
	Sessions     *sessions.Store
	Orchestrator *ingest.Orchestrator
	Retrieval    RetrievalService
	Capabilities *capability.Registry
	Relay        *chat.Relay
	Namer        *chat.Namer
	Events       *worker.Events
	FileBase     string
	MaxUploadMB  int
}

// Handler wires HTTP routes to the library, chat and session services.
type Handler struct {
	library   *library.Store
	sessions  *sessions.Store
	ingest    *ingest.Orchestrator
	retrieval RetrievalService
	caps      *capability.Registry
	relay     *chat.Relay
	namer     *chat.Namer
	events    *worker.Events
	fileBase  string
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	maxMB := deps.MaxUploadMB
	if maxMB <= 0 {
		maxMB = 50
	}
	return &Handler{
		library:   deps.Library,
		sessions:  deps.Sessions,
		ingest:    deps.Orchestrator,
		retrieval: deps.Retrieval,
		caps:      deps.Capabilities,
		relay:     deps.Relay,
		namer:     deps.Namer,
		events:    deps.Events,
		fileBase:  deps.FileBase,
		maxUpload: int64(maxMB) << 20,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/config", h.getConfig)

	docs := api.Group("/documents")
	docs.GET("", h.listDocuments)
	docs.POST("", h.uploadDocuments)
	docs.DELETE("", h.deleteAllDocuments)
	docs.GET("/events", h.documentEvents)
	docs.POST("/reprocess", h.reprocessDocuments)
	docs.GET("/:id", h.getDocument)
	docs.DELETE("/:id", h.deleteDocument)
	docs.PUT("/:id/tags", h.updateTags)
	docs.POST("/:id/reprocess", h.reprocessDocument)
	docs.GET("/:id/cache", h.documentCache)
	docs.GET("/:id/chunks", h.documentChunks)

	api.POST("/chat", h.chat)

	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.PUT("/sessions/:id", h.saveSession)
	api.DELETE("/sessions/:id", h.deleteSession)
}

func (h *Handler) health(c *gin.Context) {
	status, err := h.retrieval.Health(c.Request.Context())
	if err != nil {
		log.Printf("api: retrieval health check failed: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"available":       false,
			"documents_count": 0,
			"tags":            []string{},
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.caps.GetConfig(c.Request.Context()))
}

// eventWriter turns the response into a server-sent event stream.
type eventWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func startEventStream(c *gin.Context) (*eventWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return &eventWriter{c: c, flusher: flusher}, true
}

func (w *eventWriter) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (h *Handler) documentEvents(c *gin.Context) {
	if !h.events.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": worker.ErrEventsDisabled.Error()})
		return
	}
	stream, ok := startEventStream(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	err := h.events.Subscribe(ctx, nil, func(evt worker.StatusEvent) {
		if err := stream.send("status", evt); err != nil {
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("api: status subscription ended: %v", err)
		_ = stream.send("error", gin.H{"message": err.Error()})
	}
}
