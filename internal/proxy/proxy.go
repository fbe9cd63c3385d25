package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/namikmesic/kimi-gateway/internal/credential"
	"github.com/namikmesic/kimi-gateway/internal/metrics"
	"github.com/namikmesic/kimi-gateway/internal/processor"
	"github.com/namikmesic/kimi-gateway/internal/stream"
	"github.com/namikmesic/kimi-gateway/internal/translate"
	"github.com/namikmesic/kimi-gateway/internal/upstream"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// ModelID is the only model the gateway serves.
const ModelID = "Kimi-K2"

const maxRequestBody = 4 << 20

// Recorder receives a record of every finished turn.
type Recorder interface {
	Record(ctx context.Context, rec processor.TurnRecord)
}

// Handler serves chat completions by driving one upstream turn per request.
type Handler struct {
	pool       *credential.Pool
	session    *upstream.Session
	translator *translate.Translator
	metrics    *metrics.Metrics
	recorder   Recorder
	timeout    time.Duration
}

func NewHandler(pool *credential.Pool, session *upstream.Session, m *metrics.Metrics, rec Recorder, timeout time.Duration) *Handler {
	return &Handler{
		pool:       pool,
		session:    session,
		translator: translate.New(ModelID),
		metrics:    m,
		recorder:   rec,
		timeout:    timeout,
	}
}

// turnState collects what ServeHTTP learns for metrics and the turn record.
type turnState struct {
	id      uuid.UUID
	start   time.Time
	stream  bool
	status  int
	outcome string
	err     error
	summary translate.Summary
	request processor.RequestSummary
	turn    *upstream.Turn
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &turnState{id: uuid.New(), start: time.Now()}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model != ModelID {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "Only "+ModelID+" model is supported")
		return
	}
	st.stream = req.Stream
	st.request = processor.Summarize(&req)

	refresh, ok := h.pool.Next(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errTypeUnavailable, "no refresh tokens available")
		return
	}

	ctx := r.Context()
	if !req.Stream && h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	defer h.finish(r, st)

	turn, err := h.session.Open(ctx, refresh, toMessages(req.Messages))
	if err != nil {
		st.outcome, st.err = string(translate.OutcomeFailed), err
		st.status = openStatus(err)
		writeError(w, st.status, openErrorType(st.status), openErrorMessage(err))
		return
	}
	st.turn = turn
	defer turn.Close()

	if req.Stream {
		h.serveStream(ctx, w, st, turn)
		return
	}
	h.serveAggregate(ctx, w, st, turn)
}

func (h *Handler) serveStream(ctx context.Context, w http.ResponseWriter, st *turnState, turn *upstream.Turn) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	st.status = http.StatusOK

	sum, err := h.translator.Stream(ctx, turn, w)
	st.summary, st.outcome, st.err = sum, string(sum.Outcome), err
}

func (h *Handler) serveAggregate(ctx context.Context, w http.ResponseWriter, st *turnState, turn *upstream.Turn) {
	resp, sum, err := h.translator.Aggregate(ctx, turn)
	st.summary, st.outcome, st.err = sum, string(sum.Outcome), err
	if err != nil {
		st.status = http.StatusInternalServerError
		writeError(w, st.status, errTypeUpstream, "upstream request failed")
		return
	}
	st.status = http.StatusOK
	writeJSON(w, st.status, resp)
}

func (h *Handler) finish(r *http.Request, st *turnState) {
	elapsed := time.Since(st.start)

	var (
		bytesRead int64
		decStats  stream.DecoderStats
		convID    = st.summary.ConversationID
	)
	if st.turn != nil {
		bytesRead = st.turn.BytesRead()
		decStats = st.turn.DecoderStats()
		convID = st.turn.ConversationID()
	}

	if h.metrics != nil {
		h.metrics.ObserveTurn(metrics.Turn{
			Outcome:   st.outcome,
			Stream:    st.stream,
			Duration:  elapsed,
			Deltas:    st.summary.Deltas,
			BytesRead: bytesRead,
			Decoder:   decStats,
		})
	}

	ev := log.Info()
	if st.err != nil {
		ev = log.Warn().Err(st.err)
	}
	ev.Str("request_id", middleware.GetReqID(r.Context())).
		Str("turn_id", st.id.String()).
		Str("conversation_id", convID).
		Bool("stream", st.stream).
		Str("outcome", st.outcome).
		Int("status", st.status).
		Int("deltas", st.summary.Deltas).
		Dur("duration", elapsed).
		Msg("chat turn")

	if h.recorder == nil {
		return
	}
	rec := processor.TurnRecord{
		TurnID:          st.id.String(),
		Timestamp:       st.start,
		ConversationID:  convID,
		Model:           ModelID,
		Stream:          st.stream,
		Outcome:         st.outcome,
		StatusCode:      st.status,
		DurationMs:      int(elapsed.Milliseconds()),
		Deltas:          st.summary.Deltas,
		CompletionChars: st.summary.CompletionChars,
		BytesRead:       bytesRead,
		FramesDropped:   decStats.Dropped,
		Request:         st.request,
		Events:          processor.EventsFrom(st.summary.Events),
	}
	if st.err != nil {
		rec.Error = st.err.Error()
	}
	h.recorder.Record(context.WithoutCancel(r.Context()), rec)
}

func toMessages(in []openai.ChatCompletionMessage) []upstream.Message {
	out := make([]upstream.Message, len(in))
	for i, m := range in {
		out[i] = upstream.Message{Role: m.Role, Content: processor.MessageText(m)}
	}
	return out
}

func openStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upstream.ErrNoMessages):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func openErrorType(status int) string {
	if status == http.StatusInternalServerError {
		return errTypeUpstream
	}
	return errTypeInvalidRequest
}

func openErrorMessage(err error) string {
	switch {
	case errors.Is(err, stream.ErrPayloadTooLarge):
		return "message too large for a single upstream frame"
	case errors.Is(err, upstream.ErrNoMessages):
		return "messages must not be empty"
	default:
		return "upstream request failed"
	}
}
