package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
)

type ingestEventRequest struct {
	ExternalSubscriptionID string         `json:"external_subscription_id"`
	Code                   string         `json:"code"`
	TransactionID          string         `json:"transaction_id"`
	Timestamp              time.Time      `json:"timestamp"`
	Properties             map[string]any `json:"properties"`
}

type ingestEventResponse struct {
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transaction_id"`
	EventID       string `json:"event_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func toIngestResponse(result eventdomain.IngestResult) ingestEventResponse {
	resp := ingestEventResponse{
		Outcome:       string(result.Outcome),
		TransactionID: result.TransactionID,
		Reason:        result.Reason,
	}
	if result.EventID != 0 {
		resp.EventID = result.EventID.String()
	}
	return resp
}

func ingestStatus(outcome eventdomain.IngestOutcome) int {
	switch outcome {
	case eventdomain.OutcomeAccepted:
		return http.StatusAccepted
	case eventdomain.OutcomeDuplicate:
		return http.StatusOK
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) IngestEvent(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}

	result, err := s.events.Ingest(c.Request.Context(), eventservice.IngestRequest{
		OrgID:                  orgID(c),
		ExternalSubscriptionID: req.ExternalSubscriptionID,
		Code:                   req.Code,
		TransactionID:          req.TransactionID,
		Timestamp:              req.Timestamp,
		Properties:             req.Properties,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.metrics.RecordIngest(string(result.Outcome))
	c.JSON(ingestStatus(result.Outcome), toIngestResponse(result))
}

type ingestBatchRequest struct {
	Events []ingestEventRequest `json:"events"`
}

const maxIngestBatch = 100

// IngestEventBatch applies the single-event guarantees per entry: one
// rejection never blocks its neighbors, and each entry reports its own
// outcome.
func (s *Server) IngestEventBatch(c *gin.Context) {
	var req ingestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not valid JSON"))
		return
	}
	if len(req.Events) == 0 {
		AbortWithError(c, newValidationError("events", "empty_batch", "at least one event is required"))
		return
	}
	if len(req.Events) > maxIngestBatch {
		AbortWithError(c, newValidationError("events", "batch_too_large", "at most 100 events per batch"))
		return
	}

	requests := make([]eventservice.IngestRequest, 0, len(req.Events))
	for _, item := range req.Events {
		requests = append(requests, eventservice.IngestRequest{
			OrgID:                  orgID(c),
			ExternalSubscriptionID: item.ExternalSubscriptionID,
			Code:                   item.Code,
			TransactionID:          item.TransactionID,
			Timestamp:              item.Timestamp,
			Properties:             item.Properties,
		})
	}

	results, err := s.events.IngestBatch(c.Request.Context(), requests)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	responses := make([]ingestEventResponse, 0, len(results))
	for _, result := range results {
		s.metrics.RecordIngest(string(result.Outcome))
		responses = append(responses, toIngestResponse(result))
	}
	c.JSON(http.StatusOK, gin.H{"results": responses})
}

// ListEvents returns stored raw events for one subscription and metric code
// over [from, to).
func (s *Server) ListEvents(c *gin.Context) {
	externalID := c.Query("external_subscription_id")
	code := c.Query("code")
	if externalID == "" || code == "" {
		AbortWithError(c, newValidationError("query", "missing_filter", "external_subscription_id and code are required"))
		return
	}
	from, ok := parseTimeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeQuery(c, "to")
	if !ok {
		return
	}

	sub, err := s.subscriptions.GetByExternalID(c.Request.Context(), orgID(c), externalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, err := s.events.ListForRange(c.Request.Context(), nil, sub.ID, code, from, to)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		AbortWithError(c, newValidationError(name, "missing_"+name, name+" is required"))
		return time.Time{}, false
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		AbortWithError(c, newValidationError(name, "invalid_"+name, name+" must be RFC3339"))
		return time.Time{}, false
	}
	return value, true
}
