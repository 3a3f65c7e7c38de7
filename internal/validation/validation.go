// Package validation provides input validation middleware for the kiosk API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size for JSON endpoints (1MB).
// Upload endpoints set their own multipart limit.
const MaxRequestSize = 1 << 20

var (
	// sessionIDRegex matches the IDs minted for upload sessions
	sessionIDRegex = regexp.MustCompile(`^ses_[a-f0-9]{24}$`)
	// tokenRegex matches upload tokens
	tokenRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks if a string has the shape of a session ID
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidToken checks if a string has the shape of an upload token
func IsValidToken(token string) bool {
	return tokenRegex.MatchString(token)
}

// SanitizeFilename strips any path components and control characters from a
// client-supplied filename
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)

	// Keep only the final path element, whichever separator the client used
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
