package hookreceiver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the hook ingestion endpoint used by
// cmd/relayhookctl's one-shot invocations. Grounded in the teacher's
// gin-based route registration style (api/cmd/main.go wires each
// package's routes onto a shared *gin.Engine).
func RegisterRoutes(router gin.IRouter, r *Receiver) {
	router.POST("/hooks/:type", func(c *gin.Context) {
		hookType := Type(c.Param("type"))
		sessionID := c.Query("session_id")

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		var payload json.RawMessage
		if len(body) == 0 {
			payload = json.RawMessage(`{}`)
		} else {
			payload = json.RawMessage(body)
		}

		resp := r.Handle(hookType, sessionID, payload)
		c.Data(http.StatusOK, "application/json", resp)
	})

	router.POST("/hooks/:type/respond/:invocation_id", func(c *gin.Context) {
		invocationID := c.Param("invocation_id")
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		ok := r.Respond(invocationID, json.RawMessage(body))
		c.JSON(http.StatusOK, gin.H{"delivered": ok})
	})
}
