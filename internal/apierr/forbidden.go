package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithForbidden sends a 403 Forbidden response and aborts the request.
func AbortWithForbidden(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusForbidden, NewAPIError(message, details))
}

// Forbidden sends a 403 Forbidden response without aborting.
func Forbidden(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusForbidden, NewAPIError(message, details))
}
