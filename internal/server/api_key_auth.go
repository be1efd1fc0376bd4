package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tokenledger/internal/config"
	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix = "tl_"

	contextAPIKeyNameKey = "api_key_name"
	contextAPIKeyRoleKey = "api_key_role"
	contextAccountIDKey  = "account_id"
)

func indexAPIKeys(keys []config.APIKey) map[string]config.APIKey {
	out := make(map[string]config.APIKey, len(keys))
	for _, key := range keys {
		out[key.Name] = key
	}
	return out
}

// APIKeyRequired authenticates "Authorization: Bearer tl_<name>_<secret>".
// The key name selects the configured bcrypt hash the whole token is
// checked against.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token := parts[1]

		name, ok := apiKeyName(token)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		key, ok := s.apiKeys[name]
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAPIKeyNameKey, key.Name)
		c.Set(contextAPIKeyRoleKey, key.Role)
		ctx := obscontext.WithActor(c.Request.Context(), string(ActorAPIKey), key.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func apiKeyName(token string) (string, bool) {
	rest, ok := strings.CutPrefix(token, apiKeyPrefix)
	if !ok {
		return "", false
	}
	name, secret, ok := strings.Cut(rest, "_")
	if !ok || name == "" || secret == "" {
		return "", false
	}
	return name, true
}
