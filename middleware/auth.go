package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// UserIDHeader carries the caller identity set by the authenticating proxy
	UserIDHeader = "X-User-ID"
	// KubeflowUserIDHeader is accepted when the API sits behind a Kubeflow gateway
	KubeflowUserIDHeader = "kubeflow-userid"

	AnonymousUser = "anonymous"

	// Context keys
	UserKey = "user"
)

// IdentityMiddleware extracts the caller identity from the proxy headers. With
// required set, requests without an identity are rejected.
func IdentityMiddleware(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if user == "" {
			user = strings.TrimSpace(c.GetHeader(KubeflowUserIDHeader))
		}
		if user == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "missing " + UserIDHeader + " header",
					"code":  "unauthenticated",
				})
				return
			}
			user = AnonymousUser
		}
		c.Set(UserKey, user)
		c.Next()
	}
}

// GetUser retrieves the caller identity from Gin context
func GetUser(c *gin.Context) string {
	if user := c.GetString(UserKey); user != "" {
		return user
	}
	return AnonymousUser
}

// CORSMiddleware handles CORS for browser clients. An origin list containing "*"
// allows every origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, "+
				"Cache-Control, X-Requested-With, "+RequestIDHeader+", "+UserIDHeader+", "+KubeflowUserIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Log returns the request-scoped logger set by RequestLogger, or the standard logger
func Log(c *gin.Context) *logrus.Entry {
	if v, ok := c.Get(loggerKey); ok {
		if entry, ok := v.(*logrus.Entry); ok {
			return entry
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
