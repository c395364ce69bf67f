package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ragdesk/internal/chat"
	"ragdesk/internal/models"
	"ragdesk/internal/service/sessions"
)

type chatRequest struct {
	Message     string        `json:"message"`
	History     []models.Turn `json:"history"`
	RAGEnabled  bool          `json:"rag_enabled"`
	Tags        []string      `json:"tags"`
	DocumentIDs []string      `json:"document_ids"`
	SessionID   string        `json:"session_id"`
}

// chat relays one assistant turn as server-sent events: "ack" once the turn
// is accepted, "stream" per content fragment and "done" with the final text
// and citations. Nothing is persisted here; clients save sessions explicitly.
func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	ctx := c.Request.Context()
	history := req.History
	if history == nil && req.SessionID != "" {
		session, err := h.sessions.Get(ctx, req.SessionID)
		switch {
		case errors.Is(err, sessions.ErrNotFound):
			// a client may chat under an id it has not saved yet
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		default:
			history = session.Turns
		}
	}

	stream, ok := startEventStream(c)
	if !ok {
		return
	}
	sink := func(ev chat.Event) error {
		switch ev.State {
		case chat.StatePending:
			return stream.send("ack", gin.H{"state": ev.State, "session_id": req.SessionID})
		case chat.StateStreaming:
			return stream.send("stream", gin.H{"content": ev.Delta})
		default:
			return stream.send("done", gin.H{
				"state":      ev.State,
				"content":    ev.Text,
				"citations":  nonNilCitations(ev.Citations),
				"session_id": req.SessionID,
			})
		}
	}
	_, err := h.relay.Respond(ctx, chat.Request{
		History:     history,
		Message:     req.Message,
		RAGEnabled:  req.RAGEnabled,
		Tags:        req.Tags,
		DocumentIDs: req.DocumentIDs,
	}, sink)
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("api: chat stream closed by client: %v", err)
			return
		}
		_ = stream.send("error", gin.H{"message": err.Error()})
	}
}

func nonNilCitations(in []models.Citation) []models.Citation {
	if in == nil {
		return []models.Citation{}
	}
	return in
}

func (h *Handler) listSessions(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type saveSessionRequest struct {
	Title string        `json:"title"`
	Turns []models.Turn `json:"turns"`
}

// saveSession upserts a transcript. A session saved for the first time
// without a title is named from its opening turns.
func (h *Handler) saveSession(c *gin.Context) {
	var req saveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))
	title := strings.TrimSpace(req.Title)
	if title == "" {
		var err error
		if title, err = h.currentTitle(ctx, id, req.Turns); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	saved, err := h.sessions.Save(ctx, &models.Session{ID: id, Title: title, Turns: req.Turns})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) currentTitle(ctx context.Context, id string, turns []models.Turn) (string, error) {
	existing, err := h.sessions.Get(ctx, id)
	switch {
	case err == nil && existing.Title != "":
		return existing.Title, nil
	case err != nil && !errors.Is(err, sessions.ErrNotFound):
		return "", err
	}
	return h.namer.Name(ctx, turns), nil
}

func (h *Handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func sessionError(c *gin.Context, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
