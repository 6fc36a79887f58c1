package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUnprocessable sends a 422 Unprocessable Entity response and aborts the request.
func AbortWithUnprocessable(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, NewAPIError(message, details))
}

// Unprocessable sends a 422 Unprocessable Entity response without aborting.
func Unprocessable(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusUnprocessableEntity, NewAPIError(message, details))
}
