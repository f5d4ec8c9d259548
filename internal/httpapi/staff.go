package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const staffIDKey ctxKey = iota + 1

const maxStaffBodyPeek = 1 << 20

// StaffID resolves the acting staff member once per request and stores it on
// the context: staff_id in a JSON body wins over the X-Staff-ID header. Rate
// limiting, access logs and handlers all read the same value.
func StaffID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		staff := resolveStaffID(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), staffIDKey, staff)))
	})
}

func StaffIDFrom(ctx context.Context) string {
	staff, _ := ctx.Value(staffIDKey).(string)
	return staff
}

func resolveStaffID(r *http.Request) string {
	if staff := staffFromBody(r); staff != "" {
		return staff
	}
	return strings.TrimSpace(r.Header.Get("X-Staff-ID"))
}

// staffFromBody peeks at the body and puts it back for the handler.
func staffFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	peeked, err := io.ReadAll(io.LimitReader(r.Body, maxStaffBodyPeek))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(peeked), r.Body))
	if err != nil || len(bytes.TrimSpace(peeked)) == 0 {
		return ""
	}
	var payload struct {
		StaffID string `json:"staff_id"`
	}
	if err := json.Unmarshal(peeked, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.StaffID)
}
