package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/calderahq/caldera/pkg/policy"
)

// Identity headers. There is no authentication layer; callers assert who
// they are and policies decide what that identity may do.
const (
	headerRequestID = "X-Request-ID"
	headerUser      = "X-Caldera-User"
	headerRoles     = "X-Caldera-Roles"
)

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets the event stream reach through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(started)
		route := routeTemplate(r)
		zlog := s.logger.Zerolog()
		zlog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("request_id", w.Header().Get(headerRequestID)).
			Msg("request")

		if s.metrics != nil {
			s.metrics.RecordAPIRequest(route, r.Method, strconv.Itoa(rec.status), duration)
		}
	})
}

// routeTemplate returns the mux route pattern so metrics are not split by
// stack name.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// requestUser builds the policy identity from the request headers.
func requestUser(r *http.Request) policy.User {
	u := policy.User{Name: r.Header.Get(headerUser)}
	if roles := r.Header.Get(headerRoles); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				u.Roles = append(u.Roles, role)
			}
		}
	}
	return u
}

// authorize evaluates policy for a mutating request. It writes the 403
// fault itself and reports whether the request may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, input *policy.Input) bool {
	if s.policy == nil {
		return true
	}
	decision, err := s.policy.Authorize(r.Context(), input)
	if err != nil {
		writeFault(w, http.StatusInternalServerError, "POLICY_ERROR", err.Error())
		return false
	}
	if decision.Allowed {
		return true
	}

	msgs := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		if v.Severity.Blocking() {
			msgs = append(msgs, v.Message)
		}
	}
	writeFault(w, http.StatusForbidden, "POLICY_DENIED", strings.Join(msgs, "; "))
	return false
}
