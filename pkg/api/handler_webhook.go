package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mu-ops/mu/pkg/models"
)

// maxWebhookBody caps inbound payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// webhookHandler builds the ingress handler for one channel. Verification
// failures map to the adapter's HTTP status; accepted commands answer with
// the compact acknowledgement while the detailed response rides the outbox.
func (s *Server) webhookHandler(channel models.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := s.adapterFor(channel)
		if a == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not configured"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		if len(body) > maxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}

		env, vErr := a.Ingest(c.Request.Header, body)
		if vErr != nil {
			c.JSON(vErr.Status, gin.H{"error": vErr.Reason})
			return
		}

		result, err := s.pipeline.HandleInbound(c.Request.Context(), env)
		if err != nil {
			s.logger.Error("pipeline error", "channel", channel, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		response := gin.H{
			"ack":   result.Ack,
			"state": string(result.State),
		}
		if result.Record != nil {
			response["command_id"] = result.Record.CommandID
		}
		if result.Reason != "" {
			response["reason"] = result.Reason
		}
		c.JSON(http.StatusOK, response)
	}
}
