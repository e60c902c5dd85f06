package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/meterflow/internal/subscription/service"
)

type createSubscriptionRequest struct {
	CustomerID  string    `json:"customer_id"`
	PlanID      string    `json:"plan_id"`
	ExternalID  string    `json:"external_id"`
	BillingTime string    `json:"billing_time"`
	StartedAt   time.Time `json:"started_at"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}
	customerID, err := snowflake.ParseString(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "not a valid id"))
		return
	}
	planID, err := snowflake.ParseString(req.PlanID)
	if err != nil {
		AbortWithError(c, newValidationError("plan_id", "invalid_plan_id", "not a valid id"))
		return
	}

	sub, err := s.subscriptions.Create(c.Request.Context(), subscriptionservice.CreateSubscriptionRequest{
		OrgID:       orgID(c),
		CustomerID:  customerID,
		PlanID:      planID,
		ExternalID:  req.ExternalID,
		BillingTime: subscriptiondomain.BillingTime(req.BillingTime),
		StartedAt:   req.StartedAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) GetSubscription(c *gin.Context) {
	subID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	sub, err := s.subscriptions.Get(c.Request.Context(), orgID(c), subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) ActivateSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.subscriptions.Activate)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.subscriptions.Cancel)
}

func (s *Server) TerminateSubscription(c *gin.Context) {
	s.transitionSubscription(c, s.subscriptions.Terminate)
}

func (s *Server) transitionSubscription(
	c *gin.Context,
	fn func(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error),
) {
	subID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	sub, err := fn(c.Request.Context(), orgID(c), subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// ListBillingErrors returns the subscription's billing errors, open first,
// so a failed period close is queryable instead of silently dropped.
func (s *Server) ListBillingErrors(c *gin.Context) {
	subID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.subscriptions.Get(c.Request.Context(), orgID(c), subID); err != nil {
		AbortWithError(c, err)
		return
	}

	rows, err := s.subscriptions.BillingErrors(c.Request.Context(), subID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"billing_errors": rows})
}
