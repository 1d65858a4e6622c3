package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/pagebill/internal/observability/logger"
)

const (
	defaultUserIDHeader = "X-User-ID"
	contextUserIDKey    = "user_id"
)

// UserRequired reads the caller identity placed on the request by the
// upstream auth proxy.
func (s *Server) UserRequired() gin.HandlerFunc {
	header := strings.TrimSpace(s.cfg.UserIDHeader)
	if header == "" {
		header = defaultUserIDHeader
	}
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(header))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(obslogger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func userIDFrom(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
