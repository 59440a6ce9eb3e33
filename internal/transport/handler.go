package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/model"
)

const maxBodyBytes = 1 << 20

// listResponse wraps collection results.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items}
}

// requestContext returns the caller's RequestContext, writing a 401 when the
// request was not authenticated.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// bind reads the request body, checks it against the operation's schema when
// an API document is available, and decodes it into dst. An empty body leaves
// dst untouched. It writes the error response and returns false on failure.
func bind(w http.ResponseWriter, r *http.Request, api *openapi.Document, operationID string, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, model.NewBadRequestError("request body too large"))
			return false
		}
		WriteError(w, r, model.NewBadRequestError("unreadable request body"))
		return false
	}

	if api != nil {
		if details := api.ValidateBody(operationID, raw); len(details) > 0 {
			WriteValidationError(w, r, details)
			return false
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

// pathInt parses an integer URL parameter, writing a 400 when malformed.
func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		WriteError(w, r, model.NewBadRequestError(name+" must be an integer"))
		return 0, false
	}
	return v, true
}

// queryBool reads a boolean query parameter with a default value.
func queryBool(r *http.Request, name string, defaultVal bool) bool {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return v
}
