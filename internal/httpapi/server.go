// Package httpapi exposes the pipeline triggers and the audit trail over
// HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/observability"
	"github.com/scalytics/tellerline/internal/supervisor"
	"github.com/scalytics/tellerline/internal/timeline"
)

// Pipeline runs inbound messages.
type Pipeline interface {
	Intake(ctx context.Context, msg *bus.InboundMessage) (supervisor.Result, error)
	Run(ctx context.Context, evt supervisor.InboundEvent) supervisor.Result
}

// Records is the read side of the record store.
type Records interface {
	GetConversation(ctx context.Context, id string) (*timeline.Conversation, error)
	ListAudit(ctx context.Context, conversationID string) ([]timeline.AuditRecord, error)
	ListPolicyDecisions(ctx context.Context, conversationID string) ([]timeline.PolicyDecisionRecord, error)
}

type Server struct {
	pipeline  Pipeline
	records   Records
	metrics   *observability.Metrics
	authToken string
	started   time.Time
}

func New(pipeline Pipeline, records Records, metrics *observability.Metrics, authToken string) *Server {
	return &Server{
		pipeline:  pipeline,
		records:   records,
		metrics:   metrics,
		authToken: strings.TrimSpace(authToken),
		started:   time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/v1/messages", s.handleMessage)
		r.Post("/v1/events", s.handleEvent)
		r.Get("/v1/conversations/{id}/audit", s.handleAudit)
	})
	return r
}

// requireToken checks the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.authToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

type messageRequest struct {
	Channel           string            `json:"channel"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Provider          string            `json:"provider"`
	ProviderMessageID string            `json:"providerMessageId"`
	Text              string            `json:"text"`
	DeliveryRefs      map[string]string `json:"deliveryRefs"`
}

func validChannel(ch string) bool {
	switch ch {
	case "whatsapp", "voice", "email":
		return true
	}
	return false
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	switch {
	case !validChannel(req.Channel):
		respondError(w, http.StatusBadRequest, "invalid_channel", "channel must be whatsapp, voice or email")
		return
	case strings.TrimSpace(req.From) == "":
		respondError(w, http.StatusBadRequest, "missing_from", "from is required")
		return
	case strings.TrimSpace(req.Text) == "":
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	res, err := s.pipeline.Intake(r.Context(), &bus.InboundMessage{
		Channel:           req.Channel,
		FromAddress:       strings.TrimSpace(req.From),
		ToAddress:         strings.TrimSpace(req.To),
		Provider:          strings.TrimSpace(req.Provider),
		ProviderMessageID: strings.TrimSpace(req.ProviderMessageID),
		Text:              req.Text,
		DeliveryRefs:      req.DeliveryRefs,
	})
	if err != nil {
		slog.Error("Intake failed", "channel", req.Channel, "error", err)
		respondError(w, http.StatusInternalServerError, "intake_failed", "message could not be recorded")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var evt supervisor.InboundEvent
	if err := decodeJSON(r, &evt); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(evt.ConversationID) == "" || strings.TrimSpace(evt.MessageID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_event", "conversationId and messageId are required")
		return
	}
	if evt.Channel != "" && !validChannel(evt.Channel) {
		respondError(w, http.StatusBadRequest, "invalid_channel", "channel must be whatsapp, voice or email")
		return
	}
	if _, err := s.records.GetConversation(r.Context(), evt.ConversationID); err != nil {
		if errors.Is(err, timeline.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation_not_found", "unknown conversation")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup_failed", "conversation lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, s.pipeline.Run(r.Context(), evt))
}

type auditResponse struct {
	Conversation    *timeline.Conversation          `json:"conversation"`
	Events          []timeline.AuditRecord          `json:"events"`
	PolicyDecisions []timeline.PolicyDecisionRecord `json:"policyDecisions"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.records.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, timeline.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conversation_not_found", "unknown conversation")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup_failed", "conversation lookup failed")
		return
	}
	events, err := s.records.ListAudit(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_failed", "audit lookup failed")
		return
	}
	decisions, err := s.records.ListPolicyDecisions(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_failed", "policy decision lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, auditResponse{Conversation: conv, Events: events, PolicyDecisions: decisions})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
