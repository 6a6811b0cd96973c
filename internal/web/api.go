package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sloppy/tplsync/internal/apierr"
)

var validate = validator.New()

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.log.WithError(err).Warn("Failed to encode response")
		}
	}
}

// errorResponse maps err to a status code and writes {"error": message}.
// Internal causes are logged, never returned.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case apierr.KindParameters, apierr.KindCircular:
		status = http.StatusBadRequest
	case apierr.KindPermission:
		status = http.StatusForbidden
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
		message = "internal error"
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) && apiErr.Msg != "" {
			message = apiErr.Msg
		}
	}
	s.jsonResponse(w, map[string]string{"error": message}, status)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.jsonResponse(w, map[string]string{"error": err.Error()}, http.StatusBadRequest)
}

// decodeJSON reads a request body into dst and validates its tags.
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apierr.Parameters("Invalid request body: %v.", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apierr.Parameters("Invalid value for %s: failed %q check.", verrs[0].Namespace(), verrs[0].Tag())
		}
		return apierr.Parameters("Invalid request: %v.", err)
	}
	return nil
}

func parseHostID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "hostID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apierr.Parameters("Invalid host id %q.", chi.URLParam(r, "hostID"))
	}
	return id, nil
}

func parseBool(raw string, fallback bool) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apierr.Parameters("Invalid boolean %q.", raw)
	}
	return v, nil
}

// selectors splits repeated and comma separated "select" parameters.
func selectors(values url.Values) []string {
	var out []string
	for _, raw := range values["select"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func originMatches(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func attachment(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}
