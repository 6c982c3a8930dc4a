package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryanwahyu/osintscan/internal/domain/scans"
)

// Input decoding and sanitization utilities. Failures are *scans.ValidationError.

// DecodeJSON reads one JSON document of at most maxBytes into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return scans.Invalid("body", fmt.Sprintf("larger than %d bytes", maxBytes))
		case errors.Is(err, io.EOF):
			return scans.Invalid("body", "empty")
		}
		return scans.Invalid("body", "malformed JSON")
	}
	if dec.More() {
		return scans.Invalid("body", "trailing data after JSON document")
	}
	return nil
}

// IntParam reads an optional integer query parameter; absent yields def.
func IntParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, scans.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

// TimeParam reads an optional RFC 3339 timestamp query parameter.
func TimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, scans.Invalid(name, "must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}
