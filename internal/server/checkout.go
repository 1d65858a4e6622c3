package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
)

type checkoutRequest struct {
	PurchaseType string                       `json:"purchase_type"`
	Items        []paymentdomain.CheckoutItem `json:"items"`
	Currency     string                       `json:"currency"`
	Region       string                       `json:"region"`
	Provider     string                       `json:"provider"`
	Email        string                       `json:"email"`
}

type cancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.GenerateCheckout(c.Request.Context(), paymentdomain.GenerateCheckoutRequest{
		UserID:       userIDFrom(c),
		Email:        strings.TrimSpace(req.Email),
		Currency:     req.Currency,
		Region:       req.Region,
		Provider:     req.Provider,
		PurchaseType: paymentdomain.PurchaseType(req.PurchaseType),
		Items:        req.Items,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) CheckoutSuccess(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		AbortWithError(c, newValidationError("session_id", "required", "session_id is required"))
		return
	}

	result, err := s.paymentSvc.SuccessCallback(c.Request.Context(), userIDFrom(c), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.paymentSvc.CancelSubscription(c.Request.Context(), userIDFrom(c), strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
