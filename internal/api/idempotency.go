package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

const (
	// IdempotencyKeyHeader lets clients retry money-moving requests safely.
	IdempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
	maxRequestBodyBytes  = 1 << 20
)

// IdempotencyStore persists the first response for each key.
type IdempotencyStore interface {
	FindIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error
}

// responseRecorder captures what the wrapped handler wrote.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response when a request repeats an
// Idempotency-Key with the same body, and answers 409 when the body differs.
// Keys are scoped to the authenticated user. 5xx responses are not stored so
// the client can retry them.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			actor, _ := ActorFromContext(r.Context())
			scopedKey := actor.UserID + ":" + key
			hash := requestHash(r.Method, r.URL.Path, body)
			now := time.Now().UTC()

			existing, err := store.FindIdempotencyRecord(r.Context(), scopedKey, now)
			if err != nil {
				logger.Error("failed to load idempotency record", "err", err)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
				return
			}
			if existing != nil {
				if existing.RequestHash != hash {
					writeError(w, http.StatusConflict, CodeIdempotencyConflict, domain.ErrIdempotencyConflict.Error())
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(replayedHeader, "true")
				w.WriteHeader(existing.StatusCode)
				w.Write(existing.ResponseBody)
				return
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 || rec.status >= http.StatusInternalServerError {
				return
			}

			record := domain.IdempotencyRecord{
				Key:          scopedKey,
				RequestHash:  hash,
				StatusCode:   rec.status,
				ResponseBody: rec.body.Bytes(),
				CreatedAt:    now,
				ExpiresAt:    now.Add(ttl),
			}
			if err := store.SaveIdempotencyRecord(context.WithoutCancel(r.Context()), record); err != nil {
				logger.Error("failed to store idempotency record", "key", key, "err", err)
			}
		})
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(bytes.TrimSpace(body))
	return hex.EncodeToString(h.Sum(nil))
}
