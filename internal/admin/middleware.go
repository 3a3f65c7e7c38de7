package admin

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireLocalAccess rejects clients outside the local network while the
// adminLocalOnly setting is on. The kiosk normally sits on a shop LAN; this
// keeps the console off whatever else the router exposes.
func (h *Handler) RequireLocalAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.store.Settings().AdminLocalOnly {
			c.Next()
			return
		}
		if !isLocalIP(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "local_only",
				"message": "Admin access is allowed only on local network.",
			})
			return
		}
		c.Next()
	}
}

// RequirePin checks the X-Admin-Pin header against the configured PIN.
func (h *Handler) RequirePin() gin.HandlerFunc {
	return func(c *gin.Context) {
		pin := c.GetHeader("X-Admin-Pin")
		expected := h.store.Settings().AdminPin
		if pin == "" || subtle.ConstantTimeCompare([]byte(pin), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_pin",
				"message": "Invalid admin PIN.",
			})
			return
		}
		c.Next()
	}
}

// isLocalIP reports whether raw is loopback or a private (RFC 1918) address.
func isLocalIP(raw string) bool {
	raw = strings.ToLower(strings.TrimPrefix(raw, "::ffff:"))
	if raw == "localhost" {
		return true
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
