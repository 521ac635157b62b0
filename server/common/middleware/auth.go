package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"folio/server/common/transport/httpresp"
)

const (
	ContextAccessToken = "auth_access_token"
	ContextSubjectID   = "auth_subject_id"
	ContextExpiresAt   = "auth_expires_at"
)

type tokenAuth interface {
	ParseSubject(token string) (subjectID string, expiresAt time.Time, err error)
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c, false)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		subjectID, expiresAt, err := auth.ParseSubject(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(ContextAccessToken, token)
		c.Set(ContextSubjectID, subjectID)
		c.Set(ContextExpiresAt, expiresAt)
		c.Next()
	}
}

// BearerToken reads the Authorization header. Browsers cannot set headers on
// a WebSocket handshake, so allowQuery also accepts ?access_token=.
func BearerToken(c *gin.Context, allowQuery bool) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if !allowQuery {
		return "", false
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		return "", false
	}
	return token, true
}

func SubjectFromContext(c *gin.Context) (string, bool) {
	raw, ok := c.Get(ContextSubjectID)
	if !ok {
		return "", false
	}
	subjectID, ok := raw.(string)
	if !ok || subjectID == "" {
		return "", false
	}
	return subjectID, true
}
