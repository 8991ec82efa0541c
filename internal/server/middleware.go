package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/unprice/internal/ratelimit"
	"github.com/smallbiznis/unprice/internal/reqctx"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// RequestContext annotates every request with a request id and an access
// log entry. Handlers and background work read the id through reqctx.
func RequestContext(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now().UTC()
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))

		ctx := reqctx.WithRequest(c.Request.Context(), reqctx.Request{
			RequestID:        requestID,
			PerformanceStart: start,
		})
		if req, ok := reqctx.FromContext(ctx); ok {
			requestID = req.RequestID
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, requestID)

		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", requestID),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type rateLimitSubject struct {
	ProjectID  string `json:"project_id"`
	CustomerID string `json:"customer_id"`
}

// RateLimit throttles the hot path per project and per customer before the
// request reaches an actor. The subject is read from the JSON body and the
// body is restored for the handler.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		projectID, customerID, err := readRateLimitSubject(c)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if projectID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, err := s.limiter.AllowProject(ctx, projectID)
		if err != nil {
			s.log.Warn("project rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyRateLimit(c, result)
			return
		}

		if customerID != "" {
			result, err = s.limiter.AllowCustomer(ctx, projectID, customerID)
			if err != nil {
				s.log.Warn("customer rate limit check failed", zap.Error(err))
				AbortWithError(c, ErrServiceUnavailable)
				return
			}
			if !result.Allowed {
				denyRateLimit(c, result)
				return
			}
		}

		c.Next()
	}
}

func denyRateLimit(c *gin.Context, result *ratelimit.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if result.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds()+1)))
	}
	AbortWithError(c, ErrRateLimited)
}

func readRateLimitSubject(c *gin.Context) (string, string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", "", nil
	}

	var subject rateLimitSubject
	if err := json.Unmarshal(body, &subject); err != nil {
		return "", "", nil
	}
	return strings.TrimSpace(subject.ProjectID), strings.TrimSpace(subject.CustomerID), nil
}
