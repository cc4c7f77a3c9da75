package httpapi

import (
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"birthday_notification_service/internal/guard"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const slowRequestThreshold = 200 * time.Millisecond

type Config struct {
	RateLimitWindow time.Duration // Reported to rejected clients as retryAfter
	AllowedOrigins  []string      // CORS origins; "*" or empty allows any
}

// NewRouter wires the middleware chain and every route onto a fresh engine.
func NewRouter(
	subjects SubjectService,
	status StatusReporter,
	retrier Retrier,
	limiter guard.RateLimiter,
	cfg Config,
	baseLogger *logrus.Entry,
) *gin.Engine {
	log := baseLogger.WithField("component", "http")
	h := &handlers{subjects: subjects, status: status, retrier: retrier, log: log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(securityHeaders())
	r.Use(cors(cfg.AllowedOrigins))
	r.Use(requestLogger(log))
	r.Use(rateLimit(limiter, cfg.RateLimitWindow, log))

	r.GET("/health", h.health)

	users := r.Group("/user")
	{
		users.POST("", h.createUser)
		users.GET("/:id", h.getUser)
		users.PUT("/:id", h.updateUser)
		users.DELETE("/:id", h.deleteUser)
	}

	sched := r.Group("/scheduler")
	{
		sched.GET("/status", h.schedulerStatus)
		sched.GET("/failed", h.listFailed)
	}

	r.POST("/occurrences/:id/retry", h.retryOccurrence)

	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Next()
	}
}

var (
	corsMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization"
)

// cors answers preflight requests itself with 204 so they never reach the
// rate limiter. Disallowed origins get no Access-Control headers.
func cors(allowed []string) gin.HandlerFunc {
	anyOrigin := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()
		switch {
		case anyOrigin:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case latency > slowRequestThreshold:
			entry.Warn("Slow request")
		default:
			entry.Debug("Request handled")
		}
	}
}

func rateLimit(limiter guard.RateLimiter, window time.Duration, log *logrus.Entry) gin.HandlerFunc {
	retryAfter := int(math.Ceil(window.Seconds()))
	return func(c *gin.Context) {
		key := c.ClientIP()
		if limiter.Allow(c.Request.Context(), key) {
			c.Next()
			return
		}
		log.WithField("client_ip", key).Warn("Rate limit exceeded")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"message":    "Too many requests",
			"retryAfter": retryAfter,
		})
	}
}
