package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	logx "wabulk/pkg/logx"
)

const headerRequestID = "X-Request-Id"

// requestID keeps a caller-supplied X-Request-Id or mints a uuid, and stores
// it where chi's middleware.GetReqID finds it. The request logger carries it
// as req_id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = logx.IntoContext(ctx, s.log.With(logx.String("req_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer stands in for chi's middleware.Recoverer: the panic goes to the
// request's logx logger with its req_id, and the client gets the JSON error
// body instead of a bare 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logx.FromContext(r.Context(), s.log).Error("handler panicked",
				logx.String("path", r.URL.Path),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log := logx.FromContext(r.Context(), s.log)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("remote", r.RemoteAddr),
		}
		if status >= 500 {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	})
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>. An empty
// configured token disables it.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimSpace(s.config().Token)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeout applies chi's middleware.Timeout with the duration in force for
// this request, so a config reload takes effect without rebuilding routes.
func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.config().RequestTimeout
		if d <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		middleware.Timeout(d)(next).ServeHTTP(w, r)
	})
}
