package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterflow/internal/telemetry"
	"go.uber.org/zap"
)

const orgContextKey = "org_id"

// OrgContext requires an X-Org-ID header on every /v1 route and parses it
// into the request context. Tenant authentication happens upstream; the
// engine only needs to know which organization it is acting for.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Org-ID")
		if raw == "" {
			AbortWithError(c, newValidationError("org_id", "missing_org_id", "X-Org-ID header is required"))
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "X-Org-ID is not a valid id"))
			return
		}
		c.Set(orgContextKey, orgID)
		c.Next()
	}
}

func orgID(c *gin.Context) snowflake.ID {
	id, _ := c.MustGet(orgContextKey).(snowflake.ID)
	return id
}

// IngestRateLimit gates ingestion with the shared endpoint bucket first,
// then the per-organization bucket. A limiter failure (redis down) lets the
// request through: dropping billable usage is worse than briefly
// over-admitting.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		decision, err := s.limiter.AllowEndpoint(c.Request.Context())
		if err != nil {
			s.log.Warn("ingest rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			rateLimited(c, decision.RetryAfter)
			return
		}

		decision, err = s.limiter.AllowOrg(c.Request.Context(), orgID(c).String())
		if err != nil {
			s.log.Warn("ingest rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			rateLimited(c, decision.RetryAfter)
			return
		}
		c.Next()
	}
}

func rateLimited(c *gin.Context, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
		Type:    "rate_limited",
		Message: "too many requests",
	}})
}

// RequestLogMiddleware logs one line per request and feeds the API metrics.
func RequestLogMiddleware(log *zap.Logger, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveAPIRequest(c.Request.Method, route, c.Writer.Status(), elapsed)
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func parsePathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(name))
	if err != nil {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "not a valid id"))
		return 0, false
	}
	return id, true
}
