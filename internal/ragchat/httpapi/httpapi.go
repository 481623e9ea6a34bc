// Package httpapi exposes the orchestrator over HTTP: one POST endpoint
// that accepts a chat turn and returns the assembled response, with the
// current principal resolved from request context when a session is
// present.
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"manifold/internal/auth"
	"manifold/internal/ragchat/errkind"
	"manifold/internal/ragchat/orchestrator"
	"manifold/internal/ragchat/predcache"
)

// chatRequest is the wire shape of a POST /api/chat body.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	ExplicitFresh  bool   `json:"fresh"`
	GuestFingerprint string `json:"guest_fingerprint"`
}

type chatResponse struct {
	ResponseText   string                `json:"response_text"`
	Sources        []orchestrator.Source `json:"sources"`
	ConversationID string                `json:"conversation_id"`
	Language       string                `json:"language"`
	Timestamp      time.Time             `json:"timestamp"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Used    int      `json:"used,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	ResetAt *int64   `json:"reset_at,omitempty"`
	Plans   []string `json:"plans,omitempty"`
}

// Handler wires an Orchestrator to HTTP.
type Handler struct {
	orch      *orchestrator.Orchestrator
	predCache *predcache.Store
	log       zerolog.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, predCache *predcache.Store, log zerolog.Logger) *Handler {
	return &Handler{orch: orch, predCache: predCache, log: log}
}

// Register mounts the chat endpoint plus the operator-facing cache-warming
// listing on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat", h.handleChat)
	mux.HandleFunc("/api/popular", h.handlePopular)
}

// handlePopular lists the highest-viewed active prediction bundles, for
// operator cache-warming decisions. Not on the chat request path.
func (h *Handler) handlePopular(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	bundles, err := h.predCache.Popular(r.Context(), r.URL.Query().Get("sport"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("popular_lookup_failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, bundles)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	orchReq := orchestrator.Request{
		ConversationID:   req.ConversationID,
		Message:          req.Message,
		ExplicitFresh:    req.ExplicitFresh,
		GuestFingerprint: req.GuestFingerprint,
		Tier:             "free",
	}
	if u, ok := auth.CurrentUser(r.Context()); ok && u != nil {
		orchReq.PrincipalID = strconv.FormatInt(u.ID, 10)
		orchReq.Tier = tierForUser(r)
	}
	if orchReq.PrincipalID == "" && orchReq.GuestFingerprint == "" {
		orchReq.GuestFingerprint = fingerprintFromRequest(r)
	}

	resp, err := h.orch.Handle(r.Context(), orchReq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ResponseText:   resp.ResponseText,
		Sources:        resp.Sources,
		ConversationID: resp.ConversationID,
		Language:       resp.Language,
		Timestamp:      resp.Timestamp,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var admission *errkind.AdmissionError
	if errors.As(err, &admission) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   admission.Error(),
			Message: admission.Message,
			Used:    admission.Used,
			Limit:   admission.Limit,
			ResetAt: admission.ResetAt,
			Plans:   admission.Plans,
		})
		return
	}
	if errors.Is(err, errkind.ErrLLMCallFailed) {
		h.log.Error().Err(err).Msg("llm_call_failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream model call failed"})
		return
	}
	h.log.Error().Err(err).Msg("chat_handler_error")
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// fingerprintFromRequest derives a stable guest identity from client-supplied
// headers when the caller has no session. It is deliberately coarse: guests
// are rate-limited, not identified. A non-empty X-Guest-Fingerprint header
// is returned as-is; otherwise the fingerprint is a sha256 of the client's
// first forwarded IP and User-Agent, truncated to 32 hex chars, so the raw
// IP and User-Agent values never reach logs, caches, or quota keys.
func fingerprintFromRequest(r *http.Request) string {
	if fp := r.Header.Get("X-Guest-Fingerprint"); fp != "" {
		return fp
	}

	ip := clientIP(r)
	ua := r.Header.Get("User-Agent")
	sum := sha256.Sum256([]byte(ip + "|" + ua))
	return hex.EncodeToString(sum[:])[:32]
}

// clientIP returns the first hop in X-Forwarded-For, or RemoteAddr when the
// header is absent.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

func tierForUser(r *http.Request) string {
	if tier := r.Header.Get("X-User-Tier"); tier != "" {
		return tier
	}
	return "free"
}
