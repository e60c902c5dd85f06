package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
	walletservice "github.com/smallbiznis/meterflow/internal/wallet/service"
)

type createWalletRequest struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Currency   string `json:"currency"`
	Priority   int    `json:"priority"`
	Traceable  *bool  `json:"traceable"`
}

func (s *Server) CreateWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}
	customerID, err := snowflake.ParseString(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "not a valid id"))
		return
	}

	traceable := true
	if req.Traceable != nil {
		traceable = *req.Traceable
	}
	wallet, err := s.wallets.Create(c.Request.Context(), walletservice.CreateWalletRequest{
		OrgID:      orgID(c),
		CustomerID: customerID,
		Name:       req.Name,
		Currency:   req.Currency,
		Priority:   req.Priority,
		Traceable:  traceable,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wallet)
}

func (s *Server) GetWallet(c *gin.Context) {
	wallet, ok := s.walletForOrg(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type topUpRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Source      string `json:"source"`
}

// TopUpWallet credits prepaid funds. Source defaults to "purchased" so
// manually granted credit has to say so explicitly.
func (s *Server) TopUpWallet(c *gin.Context) {
	wallet, ok := s.walletForOrg(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}
	source := req.Source
	if source == "" {
		source = "purchased"
	}

	updated, err := s.wallets.Credit(c.Request.Context(), wallet.ID, req.AmountCents, source)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.metrics.RecordWalletTopUp()
	c.JSON(http.StatusOK, updated)
}

func (s *Server) TerminateWallet(c *gin.Context) {
	wallet, ok := s.walletForOrg(c)
	if !ok {
		return
	}
	if err := s.wallets.Terminate(c.Request.Context(), wallet.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": true})
}

// walletForOrg loads the path wallet and enforces the org scope before any
// mutation keyed by bare wallet id.
func (s *Server) walletForOrg(c *gin.Context) (*walletdomain.Wallet, bool) {
	walletID, ok := parsePathID(c, "id")
	if !ok {
		return nil, false
	}
	wallet, err := s.wallets.Get(c.Request.Context(), orgID(c), walletID)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return wallet, true
}
