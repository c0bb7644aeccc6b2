package notify

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/Tyrowin/bugtracker/internal/events"
)

const maxBodyBytes = 64 << 10

// Handler lets a CRUD process in another deployment publish through this one.
// The body is an outbound event frame; the reply is 202 whenever the request
// itself is well formed, whatever happens to the fan-out.
type Handler struct {
	notifier *Notifier
	token    []byte
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewHandler returns a Handler guarded by the shared publish token. An empty
// token disables the endpoint.
func NewHandler(n *Notifier, token string, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{notifier: n, token: []byte(token), validate: validator.New(), log: log}
}

type response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(h.token) == 0 {
		http.NotFound(w, r)
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, response{Status: "error", Error: "invalid publish token"})
		return
	}

	projectID, err := strconv.ParseInt(httprouter.ParamsFromContext(r.Context()).ByName("project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Error: "unknown project"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Status: "error", Error: err.Error()})
		return
	}

	e, err := events.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: err.Error()})
		return
	}
	if err := h.check(projectID, e); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Error: err.Error()})
		return
	}

	h.notifier.Publish(r.Context(), projectID, e)
	writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
}

func (h *Handler) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header[len(prefix):]), h.token) == 1
}

var errProjectMismatch = errors.New("event project_id does not match the path")

func (h *Handler) check(projectID int64, e events.Event) error {
	if err := h.validate.Struct(e); err != nil {
		return err
	}

	var eventProject int64
	switch ev := e.(type) {
	case events.BugNotification:
		eventProject = ev.ProjectID
	case events.CommentNotification:
		eventProject = ev.ProjectID
	case events.ActivityLog:
		eventProject = ev.Activity.ProjectID
	case events.TypingIndicator:
		eventProject = projectID
	}
	if eventProject != projectID {
		return errProjectMismatch
	}
	return nil
}
