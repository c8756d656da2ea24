package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/receipts-extractor/internal/common"
)

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
	ctxKeyPrefix    = "api_key_prefix"
	ctxKeyBucket    = "api_key_bucket"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http.request",
			"req_id", common.RequestIDFromContext(c.Request.Context()),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// authenticate requires a configured X-API-Key when any keys are configured.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerAPIKey)
		if len(s.keys) == 0 {
			c.Set(ctxKeyPrefix, "anonymous")
			c.Set(ctxKeyBucket, "anonymous")
			c.Next()
			return
		}
		if key == "" {
			abort(c, http.StatusUnauthorized, "missing API key; provide the X-API-Key header")
			return
		}
		if !s.knownKey(key) {
			s.logger.Warn("http.auth.rejected", "key_prefix", common.KeyPrefix(key))
			abort(c, http.StatusUnauthorized, "invalid API key")
			return
		}
		prefix := common.KeyPrefix(key)
		c.Set(ctxKeyPrefix, prefix)
		c.Set(ctxKeyBucket, bucketID(key))
		c.Request = c.Request.WithContext(common.WithAPIKeyPrefix(c.Request.Context(), prefix))
		c.Next()
	}
}

func (s *Server) knownKey(key string) bool {
	for k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limits.allow(c.GetString(ctxKeyBucket)) {
			c.Header("Retry-After", "60")
			abort(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// bucketID names a key's rate bucket without keeping the key itself in memory.
func bucketID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// keyLimiter holds one token bucket per API key.
type keyLimiter struct {
	perMinute int
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
}

func newKeyLimiter(perMinute int) *keyLimiter {
	return &keyLimiter{perMinute: perMinute, buckets: map[string]*rate.Limiter{}}
}

func (k *keyLimiter) allow(key string) bool {
	if k.perMinute <= 0 {
		return true
	}
	k.mu.Lock()
	l, ok := k.buckets[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(k.perMinute)), k.perMinute)
		k.buckets[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, RequestID: common.RequestIDFromContext(c.Request.Context())})
}
