package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type applyCouponRequest struct {
	CustomerID string `json:"customer_id"`
	Code       string `json:"code"`
}

// ApplyCoupon attaches a catalog coupon to a customer. The discount itself
// is taken during invoice adjustment, not here.
func (s *Server) ApplyCoupon(c *gin.Context) {
	var req applyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}
	customerID, err := snowflake.ParseString(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "not a valid id"))
		return
	}

	applied, err := s.coupons.Apply(c.Request.Context(), orgID(c), customerID, req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, applied)
}
