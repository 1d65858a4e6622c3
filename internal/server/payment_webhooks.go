package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), provider, c.Request.Header, payload)
	if err != nil {
		switch {
		case errors.Is(err, paymentdomain.ErrEventAlreadyProcessed):
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		case errors.Is(err, paymentdomain.ErrEventIgnored):
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
