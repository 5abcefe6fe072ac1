package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Error codes in the structured error payload.
const (
	codeValidation   = "VALIDATION"
	codeUnauthorized = "UNAUTHORIZED"
	codeForbidden    = "FORBIDDEN"
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "CONFLICT"
	codeInternal     = "INTERNAL"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type listResponse[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

func newList[T any](items []T, total int, page harvest.Page) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	page = page.Normalize()
	return listResponse[T]{Items: items, Total: total, Page: page.Number, PageSize: page.Size}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

// classify maps the error taxonomy onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, harvest.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, harvest.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, harvest.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, harvest.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, harvest.ErrConflict):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeErrorBody(w, status, code, msg)
}

// fail logs unexpected errors before writing them.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := classify(err); status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", harvest.ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", harvest.ErrValidation, key)
	}
	return n, nil
}

func pageFromQuery(r *http.Request) (harvest.Page, error) {
	number, err := queryInt(r, "page", 1)
	if err != nil {
		return harvest.Page{}, err
	}
	size, err := queryInt(r, "pageSize", 20)
	if err != nil {
		return harvest.Page{}, err
	}
	if number < 1 || size < 1 {
		return harvest.Page{}, fmt.Errorf("%w: page and pageSize must be positive", harvest.ErrValidation)
	}
	return harvest.Page{Number: number, Size: size}.Normalize(), nil
}
