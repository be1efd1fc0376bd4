package server

import (
	"github.com/gin-gonic/gin"
)

type ActorType string

const ActorAPIKey ActorType = "api_key"

type Actor struct {
	Type ActorType
	ID   string
	Role string
}

func (a Actor) subject() string {
	return string(a.Type) + ":" + a.ID
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor.subject(), actor.Role, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (Actor, bool) {
	if c == nil {
		return Actor{}, false
	}
	name := c.GetString(contextAPIKeyNameKey)
	role := c.GetString(contextAPIKeyRoleKey)
	if name == "" || role == "" {
		return Actor{}, false
	}
	return Actor{Type: ActorAPIKey, ID: name, Role: role}, true
}
