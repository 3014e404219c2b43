package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"escrowflow/fault"
)

// respondError maps the fault taxonomy onto HTTP status codes. Conflicts
// include the entity's actual state so clients can resync.
func (s *Server) respondError(c *gin.Context, err error) {
	kind := fault.KindOf(err)

	body := gin.H{"error": kind.String(), "message": err.Error()}
	if state := fault.CurrentState(err); state != "" {
		body["current_state"] = state
	}

	status := http.StatusInternalServerError
	switch kind {
	case fault.KindValidation:
		status = http.StatusUnprocessableEntity
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindAuthorization:
		status = http.StatusForbidden
	case fault.KindGateway:
		status = http.StatusBadGateway
	case fault.KindNotFound:
		status = http.StatusNotFound
	default:
		// internal details stay in the logs
		s.log.Errorw("internal error", "path", c.FullPath(), "err", err)
		body["message"] = "internal error"
	}

	c.JSON(status, body)
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":   "validation",
		"message": err.Error(),
	})
}
