package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"uptree/exports"
	"uptree/outbox"
)

const (
	adminIssuer    = "uptree"
	adminScope     = "admin"
	adminClockSkew = 2 * time.Minute
)

// ExportRunner produces a snapshot export run on demand.
type ExportRunner interface {
	Run(ctx context.Context) (*exports.Manifest, error)
}

// adminAuth guards /admin routes with HS256 bearer tokens carrying the admin
// scope.
type adminAuth struct {
	secret []byte
	now    func() time.Time
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(raw, "Bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return a.secret, nil
		},
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithIssuer(adminIssuer),
			jwt.WithLeeway(adminClockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(a.now),
		)
		if err != nil || !parsed.Valid {
			unauthorized(w, "invalid token")
			return
		}
		if !hasScope(claims, adminScope) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: errorDetail{
				Code:    "forbidden",
				Message: "token lacks " + adminScope + " scope",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="uptree-admin"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
		Code:    "unauthorized",
		Message: message,
	}})
}

// hasScope accepts both space-separated strings and claim arrays.
func hasScope(claims jwt.MapClaims, want string) bool {
	switch scopes := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(scopes) {
			if scope == want {
				return true
			}
		}
	case []any:
		for _, entry := range scopes {
			if scope, ok := entry.(string); ok && scope == want {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Code:    "exports_disabled",
			Message: "no export runner configured",
		}})
		return
	}
	manifest, err := s.exporter.Run(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

type outboxRetryRequest struct {
	IDs []string `json:"ids"`
}

type outboxRetryResponse struct {
	Requeued int `json:"requeued"`
}

// handleOutboxRetry returns abandoned webhook messages to the queue, either
// the explicit ids in the body or every abandoned row when none are given.
func (s *Server) handleOutboxRetry(w http.ResponseWriter, r *http.Request) {
	var req outboxRetryRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "validation_failed",
				Message: "malformed request body",
			}})
			return
		}
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "validation_failed",
				Message: fmt.Sprintf("invalid message id %q", raw),
				Field:   "ids",
			}})
			return
		}
		ids = append(ids, id)
	}

	var requeued int
	err := s.store.Transact(r.Context(), "outbox.requeue", func(tx *gorm.DB) error {
		n, err := outbox.RequeueAbandoned(tx, ids, s.now())
		requeued = n
		return err
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if requeued > 0 {
		s.wakeDispatcher()
	}
	s.log.Info("outbox requeued", "count", requeued, "explicit", len(ids) > 0)
	writeJSON(w, http.StatusOK, outboxRetryResponse{Requeued: requeued})
}
