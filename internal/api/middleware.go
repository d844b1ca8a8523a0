package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vibe_prompt_server/internal/device"
)

const (
	DeviceCookie = "vibe_device"
	DeviceHeader = "X-Device-ID"

	deviceCookieMaxAge = 365 * 24 * 60 * 60
	clientKey          = "vibe_client"
)

// DeviceMiddleware resolves the calling device from the X-Device-ID header or
// the vibe_device cookie, issuing a new id when neither is usable, and
// attaches that device's client to the request.
func (h *APIHandler) DeviceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(DeviceHeader)
		if id == "" {
			id, _ = c.Cookie(DeviceCookie)
		}
		if !device.ValidID(id) {
			id = uuid.NewString()
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(DeviceCookie, id, deviceCookieMaxAge, "/", "", h.secureCookies, true)
		c.Header(DeviceHeader, id)

		client, err := h.devices.Get(c.Request.Context(), id)
		if err != nil {
			log.WithError(err).WithField("device", id).Error("api: device client unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Device session unavailable", "code": "device_unavailable"})
			return
		}
		c.Set(clientKey, client)
		c.Next()
	}
}

func clientFrom(c *gin.Context) *device.Client {
	return c.MustGet(clientKey).(*device.Client)
}
