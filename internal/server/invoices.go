package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/meterflow/internal/invoice/service"
)

func (s *Server) ListInvoices(c *gin.Context) {
	req := invoiceservice.ListRequest{OrgID: orgID(c)}

	if raw := c.Query("customer_id"); raw != "" {
		customerID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "not a valid id"))
			return
		}
		req.CustomerID = &customerID
	}
	if raw := c.Query("status"); raw != "" {
		status := invoicedomain.Status(raw)
		req.Status = &status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "not a number"))
			return
		}
		req.Limit = limit
	}

	invoices, err := s.invoices.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	invoice, err := s.invoices.Get(c.Request.Context(), orgID(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) ListInvoiceFees(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	// Scope check before reading line items.
	if _, err := s.invoices.Get(c.Request.Context(), orgID(c), invoiceID); err != nil {
		AbortWithError(c, err)
		return
	}
	fees, err := s.invoices.Fees(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fees": fees})
}

func (s *Server) FinalizeInvoice(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	invoice, err := s.invoices.Finalize(c.Request.Context(), orgID(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.metrics.RecordInvoiceTransition(string(invoice.Status))
	s.metrics.ObserveInvoiceAmount(invoice.TotalCents)
	c.JSON(http.StatusOK, invoice)
}

type voidInvoiceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) VoidInvoice(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}

	invoice, err := s.invoices.Void(c.Request.Context(), orgID(c), invoiceID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.metrics.RecordInvoiceTransition(string(invoice.Status))
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) RegenerateInvoice(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	draft, err := s.invoices.Regenerate(c.Request.Context(), orgID(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, draft)
}

type paymentStatusRequest struct {
	PaymentStatus string `json:"payment_status"`
}

func (s *Server) UpdateInvoicePaymentStatus(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	var req paymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}

	invoice, err := s.invoices.UpdatePaymentStatus(
		c.Request.Context(), orgID(c), invoiceID,
		invoicedomain.PaymentStatus(req.PaymentStatus),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (s *Server) ResolveInvoiceBillingErrors(c *gin.Context) {
	invoiceID, ok := parsePathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.invoices.Get(c.Request.Context(), orgID(c), invoiceID); err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.invoices.ResolveBillingErrors(c.Request.Context(), invoiceID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}
