package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const contextKeyAdminID contextKey = "admin_id"

func (server *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(writer, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)
		server.logger.Info("request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", wrapped.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(request.Context())),
		)
	})
}

// requireAdmin authenticates operator requests with an HS256 bearer token
// carrying an admin_id claim, and stashes the admin id in the context for
// actor attribution.
func (server *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		tokenString := trimBearer(request.Header.Get("Authorization"))
		if tokenString == "" {
			server.writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "missing_admin_token"})
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return server.adminSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			server.writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "invalid_admin_token"})
			return
		}
		adminID, _ := claims["admin_id"].(string)
		if strings.TrimSpace(adminID) == "" {
			server.writeJSON(writer, http.StatusUnauthorized, map[string]string{"error": "missing_admin_claim"})
			return
		}
		ctx := context.WithValue(request.Context(), contextKeyAdminID, adminID)
		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

func adminIDFromContext(request *http.Request) string {
	adminID, _ := request.Context().Value(contextKeyAdminID).(string)
	return adminID
}

func trimBearer(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
