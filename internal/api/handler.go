// Package api provides HTTP handlers for the policy assistant.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/policy-assistant/internal/backend"
	"github.com/ashureev/policy-assistant/internal/conversation"
	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/workflow"
	"github.com/go-chi/chi/v5"
)

// MaxUploadBytes caps the size of an uploaded document.
const MaxUploadBytes = 32 << 20

// Workflow drives the upload lifecycle of the single session.
type Workflow interface {
	Session() domain.Session
	BeginUpload(ctx context.Context, doc backend.Document) (<-chan error, error)
	Cancel() error
	Delete(ctx context.Context) error
	FetchRawStoredData(ctx context.Context) (json.RawMessage, error)
}

// Chat is the conversation with the provisioned agent.
type Chat interface {
	Submit(ctx context.Context, text string) error
	Messages() []domain.Message
	AwaitingReply() bool
}

// CallLog exposes the in-memory diagnostic log of this run.
type CallLog interface {
	Snapshot() []domain.APICallRecord
	Len() int
}

// CallHistory exposes persisted call records across runs.
type CallHistory interface {
	ListCalls(ctx context.Context, limit int) ([]domain.APICallRecord, error)
}

// View is the full state a client needs to render the page. Pushed views
// leave Calls out because records carry the encoded upload; clients compare
// CallCount and fetch /api/calls or send "refresh" when it grows.
type View struct {
	Session       domain.Session         `json:"session"`
	Messages      []domain.Message       `json:"messages"`
	AwaitingReply bool                   `json:"awaiting_reply"`
	CallCount     int                    `json:"call_count"`
	Calls         []domain.APICallRecord `json:"calls,omitempty"`
}

// Handler serves the session, chat and diagnostics endpoints.
type Handler struct {
	workflow Workflow
	chat     Chat
	calls    CallLog
	history  CallHistory
	// baseCtx outlives requests so a background upload is not cut short.
	baseCtx context.Context
	logger  *slog.Logger
}

// NewHandler creates a Handler. history may be nil when persistence is disabled.
func NewHandler(baseCtx context.Context, wf Workflow, chat Chat, calls CallLog, history CallHistory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workflow: wf,
		chat:     chat,
		calls:    calls,
		history:  history,
		baseCtx:  baseCtx,
		logger:   logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/upload", h.Upload)
		r.Post("/session/cancel", h.Cancel)
		r.Post("/session/delete", h.Delete)
		r.Get("/session/raw", h.RawData)
		r.Get("/messages", h.GetMessages)
		r.Post("/messages", h.PostMessage)
		r.Get("/calls", h.GetCalls)
	})
}

// View assembles the current page state, including the call log.
func (h *Handler) View() View {
	view := h.PushView()
	view.Calls = h.snapshotCalls()
	view.CallCount = len(view.Calls)
	return view
}

// PushView is View without the call log records.
func (h *Handler) PushView() View {
	messages := h.chat.Messages()
	if messages == nil {
		messages = []domain.Message{}
	}
	return View{
		Session:       h.workflow.Session(),
		Messages:      messages,
		AwaitingReply: h.chat.AwaitingReply(),
		CallCount:     h.calls.Len(),
	}
}

func (h *Handler) snapshotCalls() []domain.APICallRecord {
	calls := h.calls.Snapshot()
	if calls == nil {
		calls = []domain.APICallRecord{}
	}
	return calls
}

// GetSession returns the full view.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.View())
}

// Upload accepts a multipart document and starts the workflow in the background.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "missing file")
		return
	}
	defer func() { _ = file.Close() }()

	content, err := io.ReadAll(file)
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read file")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(header.Filename))); byExt != "" {
			mimeType = byExt
		}
	}

	doc := backend.Document{Name: header.Filename, MIMEType: mimeType, Content: content}
	done, err := h.workflow.BeginUpload(h.baseCtx, doc)
	switch {
	case backend.IsValidation(err):
		Error(w, http.StatusUnsupportedMediaType, "Please upload a PDF file")
		return
	case errors.Is(err, workflow.ErrBusy):
		Error(w, http.StatusConflict, "upload_in_progress")
		return
	case err != nil:
		h.logger.Error("Failed to start upload", "error", err)
		Error(w, http.StatusInternalServerError, "failed to start upload")
		return
	}

	h.logger.Info("Upload accepted", "filename", header.Filename, "size", len(content))
	go h.awaitUpload(done)

	JSON(w, http.StatusAccepted, h.workflow.Session())
}

func (h *Handler) awaitUpload(done <-chan error) {
	err := <-done
	switch {
	case err == nil:
		h.logger.Info("Upload workflow completed")
	case errors.Is(err, workflow.ErrStaleGeneration):
		h.logger.Info("Upload workflow abandoned")
	default:
		h.logger.Warn("Upload workflow failed", "error", err)
	}
}

// Cancel abandons the in-flight upload.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.workflow.Cancel(); err != nil {
		Error(w, http.StatusConflict, "nothing_to_cancel")
		return
	}
	JSON(w, http.StatusOK, h.workflow.Session())
}

// Delete removes the stored document and resets the session.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.workflow.Delete(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, workflow.ErrNoStoredObject):
		Error(w, http.StatusNotFound, "no_stored_object")
		return
	case err != nil:
		Error(w, http.StatusConflict, "upload_in_progress")
		return
	}
	JSON(w, http.StatusOK, h.workflow.Session())
}

// RawData returns the backend's raw payload for the stored document.
func (h *Handler) RawData(w http.ResponseWriter, r *http.Request) {
	raw, err := h.workflow.FetchRawStoredData(r.Context())
	switch {
	case errors.Is(err, workflow.ErrNoStoredObject):
		Error(w, http.StatusNotFound, "no_stored_object")
		return
	case err != nil:
		h.logger.Warn("Failed to fetch raw data", "error", err)
		Error(w, http.StatusBadGateway, "backend_error")
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	JSON(w, http.StatusOK, raw)
}

// GetMessages returns the conversation.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	view := h.PushView()
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages":       view.Messages,
		"awaiting_reply": view.AwaitingReply,
	})
}

type postMessageRequest struct {
	Message string `json:"message"`
}

// PostMessage sends one chat turn and returns the updated conversation.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The reply is kept even if the client goes away mid-query.
	err := h.chat.Submit(context.WithoutCancel(r.Context()), req.Message)
	switch {
	case backend.IsValidation(err):
		Error(w, http.StatusBadRequest, "message is empty")
		return
	case errors.Is(err, conversation.ErrAwaitingReply):
		Error(w, http.StatusConflict, "awaiting_reply")
		return
	case errors.Is(err, conversation.ErrNoAgent):
		Error(w, http.StatusConflict, "assistant_not_ready")
		return
	case err != nil:
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.GetMessages(w, r)
}

// GetCalls returns the diagnostic log. With ?source=db it reads persisted
// records across runs instead, limited by ?limit=.
func (h *Handler) GetCalls(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") != "db" {
		JSON(w, http.StatusOK, h.snapshotCalls())
		return
	}
	if h.history == nil {
		Error(w, http.StatusNotFound, "call history disabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := h.history.ListCalls(ctx, limit)
	if err != nil {
		h.logger.Error("Failed to list call history", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if records == nil {
		records = []domain.APICallRecord{}
	}
	JSON(w, http.StatusOK, records)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
