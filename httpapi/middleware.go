package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"escrowflow/auth"
)

const actorKey = "actor"

// authenticate verifies the bearer token and stashes the actor on the
// request context.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "missing bearer token",
		})
		return
	}

	actor, err := s.tokens.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "invalid token",
		})
		return
	}

	c.Set(actorKey, actor)
	c.Next()
}

func actorFrom(c *gin.Context) auth.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(auth.Actor)
	return actor
}
