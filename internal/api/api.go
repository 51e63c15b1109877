package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"parley/internal/chat"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/receipts"
	"parley/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodySize = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// API serves the REST surface of the presence and conversation services.
// Every handler expects the identity middleware to have run.
type API struct {
	presence *presence.Service
	router   *chat.Router
	reads    *receipts.Tracker
	store    storage.Storage
	log      *slog.Logger
}

func New(presence *presence.Service, router *chat.Router, reads *receipts.Tracker, store storage.Storage, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		presence: presence,
		router:   router,
		reads:    reads,
		store:    store,
		log:      log,
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// writeError maps service errors to status codes. Internal details are logged, never returned.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	var verr models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeFailure(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrInvalidInput):
		writeFailure(w, http.StatusBadRequest, models.ErrInvalidInput.Error())
	case errors.Is(err, models.ErrNotParticipant):
		writeFailure(w, http.StatusForbidden, models.ErrNotParticipant.Error())
	case errors.Is(err, models.ErrForbidden):
		writeFailure(w, http.StatusForbidden, models.ErrForbidden.Error())
	case errors.Is(err, models.ErrNotFound):
		writeFailure(w, http.StatusNotFound, models.ErrNotFound.Error())
	default:
		log.Error("request failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return models.Invalid(typeErr.Field, "must be a "+typeErr.Type.String())
		}
		return models.Invalid("body", "invalid JSON")
	}
	return validateStruct(v)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return models.Invalid(fe.Field(), "failed "+reason)
	}
	return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, models.Invalid(name, "must be an integer")
	}
	return n, nil
}
