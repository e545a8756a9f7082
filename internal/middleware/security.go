package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SecurityHeaders sets response headers suited to a JSON-only admin API
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Header("X-Robots-Tag", "noindex, nofollow")
		c.Next()
	}
}

// CORS allows the given origins. Entries may be "*" or a subdomain
// wildcard such as "https://*.example.com".
func CORS(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", HeaderRequestID, HeaderCorrelationID},
		ExposeHeaders: []string{HeaderRequestID, HeaderCorrelationID},
		MaxAge:        12 * time.Hour,
	}

	switch {
	case len(origins) == 0 || contains(origins, "*"):
		config.AllowAllOrigins = true
	case containsWildcard(origins):
		config.AllowOriginFunc = func(origin string) bool {
			for _, pattern := range origins {
				if matchOrigin(origin, pattern) {
					return true
				}
			}
			return false
		}
	default:
		config.AllowOrigins = origins
	}

	return cors.New(config)
}

// BodyLimit rejects request bodies larger than maxBytes. Zero disables the
// limit.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "Request body too large",
				"max_bytes": maxBytes,
			})
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

// matchOrigin supports exact origins and "scheme://*.domain" patterns
func matchOrigin(origin, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	for _, scheme := range []string{"https://", "http://"} {
		prefix := scheme + "*."
		if strings.HasPrefix(pattern, prefix) {
			domain := strings.TrimPrefix(pattern, prefix)
			return origin == scheme+domain || (strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, "."+domain))
		}
	}
	return false
}
