// Package problem writes RFC 7807 problem details and the JSON bodies shared by the HTTP handlers.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	ContentType = "application/problem+json"

	TypeValidation      = "https://sata-agro.com/problems/validation-error"
	TypeUnauthorized    = "https://sata-agro.com/problems/unauthorized"
	TypeForbidden       = "https://sata-agro.com/problems/forbidden"
	TypeNotFound        = "https://sata-agro.com/problems/not-found"
	TypeConflict        = "https://sata-agro.com/problems/conflict"
	TypeTooManyRequests = "https://sata-agro.com/problems/too-many-requests"
	TypeUnavailable     = "https://sata-agro.com/problems/backend-unavailable"
	TypeInternal        = "https://sata-agro.com/problems/internal-error"
)

// maxBodyBytes bounds request bodies accepted by DecodeJSON.
const maxBodyBytes = 1 << 20

// ErrInvalidBody is returned by DecodeJSON for empty, oversized or malformed bodies.
var ErrInvalidBody = errors.New("invalid request body")

// Details is the problem+json document.
type Details struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title"`
	Status   int                 `json:"status"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Code     string              `json:"code,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

// New builds a Details value, copying the field errors.
func New(title, detail, problemType string, status int, fields map[string][]string) Details {
	d := Details{Type: problemType, Title: title, Status: status, Detail: detail}
	if len(fields) > 0 {
		d.Errors = make(map[string][]string, len(fields))
		for field, messages := range fields {
			d.Errors[field] = append([]string(nil), messages...)
		}
	}
	return d
}

// Write sends d with its status code.
func Write(w http.ResponseWriter, d Details) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}

// WriteJSON sends v as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// DecodeJSON reads a single JSON document into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: body is required", ErrInvalidBody)
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: body is required", ErrInvalidBody)
		}
		return fmt.Errorf("%w: %s", ErrInvalidBody, strings.TrimPrefix(err.Error(), "json: "))
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected trailing data", ErrInvalidBody)
	}
	return nil
}
