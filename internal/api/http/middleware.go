package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"equipment-rental-backend/internal/config"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/security"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing the caller's when given.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type Authenticator struct {
	tokenManager security.TokenManager
}

func NewAuthenticator(tm security.TokenManager) *Authenticator {
	return &Authenticator{tokenManager: tm}
}

// Middleware authenticates the bearer token of every route whose name is not
// public and stores the actor on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}
		if config.GetSecurityLevel(name) == config.SecurityPublic {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			writeStatus(w, http.StatusUnauthorized, "unauthenticated", "authorization token is not provided")
			return
		}
		if len(token) > 7 && strings.ToUpper(token[0:7]) == "BEARER " {
			token = token[7:]
		}

		claims, err := a.tokenManager.ValidateToken(token)
		if err != nil {
			writeStatus(w, http.StatusUnauthorized, "unauthenticated", "invalid token: "+err.Error())
			return
		}

		actor := claims.Actor()
		ctx := security.WithActor(r.Context(), actor)
		ctx = logger.WithActorID(ctx, actor.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
