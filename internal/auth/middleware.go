// Package auth resolves tenant API keys to account rows for the HTTP and
// WebSocket surfaces.
package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

const (
	// AccountKey is the context key for the resolved account.
	AccountKey contextKey = "account"
)

type APIKeyMiddleware struct {
	store *pg.Store
}

func NewAPIKeyMiddleware(store *pg.Store) *APIKeyMiddleware {
	return &APIKeyMiddleware{store: store}
}

// RequireAPIKey validates the X-API-Key header and attaches the account to
// the context. WebSocket upgrades may pass the key as an api_key query
// parameter because browsers cannot set custom headers during the handshake.
func (a *APIKeyMiddleware) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")

		if apiKey == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-API-Key header is required"})
			c.Abort()
			return
		}

		account, err := a.store.GetAccountByAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			if errors.Is(err, pg.ErrNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate API key"})
			}
			c.Abort()
			return
		}

		if !account.Enabled {
			c.JSON(http.StatusForbidden, gin.H{"error": "Account is disabled"})
			c.Abort()
			return
		}

		ctx := logger.WithAccountID(c.Request.Context(), account.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(AccountKey), account)

		c.Next()
	}
}

// GetAccount extracts the resolved account from the Gin context.
func GetAccount(c *gin.Context) (*model.Account, bool) {
	v, exists := c.Get(string(AccountKey))
	if !exists {
		return nil, false
	}

	account, ok := v.(*model.Account)
	return account, ok
}
