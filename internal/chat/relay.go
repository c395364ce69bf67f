package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"ragdesk/internal/config"
	"ragdesk/internal/generation"
	"ragdesk/internal/metrics"
	"ragdesk/internal/models"
	"ragdesk/internal/retrieval"
)

// FallbackMessage is the assistant reply when generation is unavailable.
const FallbackMessage = "The generation service is unavailable right now. Please try again later."

// State is the lifecycle of one assistant reply.
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// Event is emitted to the caller as the reply progresses. Streaming events
// carry a Delta to append to the in-flight message; terminal events carry
// the final Text and Citations.
type Event struct {
	State     State             `json:"state"`
	Delta     string            `json:"delta,omitempty"`
	Text      string            `json:"text,omitempty"`
	Citations []models.Citation `json:"citations,omitempty"`
}

// Retriever runs similarity queries.
type Retriever interface {
	Query(ctx context.Context, text string, filter retrieval.Filter, topK int) ([]retrieval.Result, error)
}

// Request is one chat turn. Tags and DocumentIDs narrow retrieval when set.
type Request struct {
	History     []models.Turn
	Message     string
	RAGEnabled  bool
	Tags        []string
	DocumentIDs []string
}

// Result is the assistant turn produced by Respond.
type Result struct {
	State     State
	Text      string
	Citations []models.Citation
}

// Turn converts the result into a transcript entry.
func (r *Result) Turn() models.Turn {
	return models.Turn{
		Role:      models.RoleAssistant,
		Content:   r.Text,
		Citations: r.Citations,
		CreatedAt: time.Now().UTC(),
	}
}

// Relay answers chat turns, optionally augmented with retrieved passages.
type Relay struct {
	retriever Retriever
	generator generation.Generator
	topK      int
	opts      generation.Options
}

func NewRelay(retriever Retriever, generator generation.Generator, cfg config.GenerationConfig, topK int) *Relay {
	if topK <= 0 {
		topK = config.DefaultTopK
	}
	return &Relay{
		retriever: retriever,
		generator: generator,
		topK:      topK,
		opts:      generation.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
	}
}

// errSinkClosed wraps a sink failure so it is told apart from generation
// errors.
type errSinkClosed struct{ err error }

func (e errSinkClosed) Error() string { return "event sink closed: " + e.err.Error() }
func (e errSinkClosed) Unwrap() error { return e.err }

// Respond runs one turn: retrieval when enabled, prompt assembly, then the
// streaming generation relayed to sink. The first non-empty delta moves the
// reply from pending to streaming. A generation failure ends the turn with
// FallbackMessage in the failed state; only cancellation of ctx or a sink
// error is returned as error, and then no terminal event is sent.
func (r *Relay) Respond(ctx context.Context, req Request, sink func(Event) error) (*Result, error) {
	if sink == nil {
		sink = func(Event) error { return nil }
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	res := &Result{State: StatePending}
	if err := sink(Event{State: StatePending}); err != nil {
		return res, errSinkClosed{err}
	}

	var passages []retrieval.Result
	if req.RAGEnabled && r.retriever != nil {
		filter := retrieval.Filter{
			Tags:        models.NormalizeTags(req.Tags),
			DocumentIDs: models.NormalizeTags(req.DocumentIDs),
		}
		found, err := r.retriever.Query(ctx, req.Message, filter, r.topK)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Printf("chat: retrieval failed, answering without context: %v", err)
			metrics.RetrievalDegraded.Inc()
		} else {
			passages = usable(found)
		}
	}
	contextBlock := BuildContext(passages)
	if contextBlock != "" {
		res.Citations = Citations(passages)
	}
	messages := BuildMessages(req.History, AugmentQuestion(req.Message, contextBlock))

	var text strings.Builder
	err := r.generator.Stream(ctx, messages, r.opts, func(delta string) error {
		if delta == "" {
			return nil
		}
		res.State = StateStreaming
		text.WriteString(delta)
		if err := sink(Event{State: StateStreaming, Delta: delta}); err != nil {
			return errSinkClosed{err}
		}
		return nil
	})
	res.Text = text.String()

	var closed errSinkClosed
	switch {
	case errors.As(err, &closed):
		metrics.ChatResponses.WithLabelValues("abandoned").Inc()
		return res, err
	case ctx.Err() != nil:
		metrics.ChatResponses.WithLabelValues("abandoned").Inc()
		return res, ctx.Err()
	case err != nil:
		log.Printf("chat: generation failed: %v", err)
		res.State = StateFailed
		res.Text = FallbackMessage
		res.Citations = nil
		metrics.ChatResponses.WithLabelValues(string(StateFailed)).Inc()
		if serr := sink(Event{State: StateFailed, Text: res.Text}); serr != nil {
			return res, errSinkClosed{serr}
		}
		return res, nil
	}

	res.State = StateComplete
	metrics.ChatResponses.WithLabelValues(string(StateComplete)).Inc()
	if serr := sink(Event{State: StateComplete, Text: res.Text, Citations: res.Citations}); serr != nil {
		return res, errSinkClosed{serr}
	}
	return res, nil
}
