package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aevon-lab/groupagg/internal/aggregation"
	v1 "github.com/aevon-lab/groupagg/internal/api/v1"
	httperr "github.com/aevon-lab/groupagg/internal/core/errors"
	"github.com/gin-gonic/gin"
)

const (
	msgReadBodyFailed    = "Failed to read request body"
	msgInvalidJSON       = "Invalid JSON body"
	msgAggregationFailed = "Aggregation failed"
)

// Request outcomes reported to the metrics collector.
const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// queryError carries the structured HTTP error shape back to the handler.
type queryError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *queryError) Error() string {
	return e.message
}

// AggregateHandler handles POST /v1/aggregate.
func (s *Service) AggregateHandler(c *gin.Context) {
	start := time.Now()

	req, qerr := s.parseRequest(c)
	if qerr == nil {
		var resp *v1.AggregateResponse
		resp, qerr = s.aggregate(c, req)
		if qerr == nil {
			s.finish(outcomeOK, start)
			c.JSON(http.StatusOK, resp)
			return
		}
	}

	if qerr.statusCode >= http.StatusInternalServerError {
		s.finish(outcomeError, start)
	} else {
		s.finish(outcomeInvalid, start)
	}
	writeError(c, qerr)
}

func (s *Service) finish(outcome string, start time.Time) {
	if s.collector != nil {
		s.collector.RequestFinished(outcome, time.Since(start))
	}
}

// parseRequest reads the body with a size cap and decodes it keeping
// numbers exact.
func (s *Service) parseRequest(c *gin.Context) (*v1.AggregateRequest, *queryError) {
	maxBytes := int64(s.maxBodySizeBytes)
	bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		slog.Error("[Query] Failed to read request body", "error", err)
		return nil, &queryError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}
	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Query] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &queryError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	dec := json.NewDecoder(bytes.NewReader(bodyBytes))
	dec.UseNumber()
	var req v1.AggregateRequest
	if err := dec.Decode(&req); err != nil {
		slog.Warn("[Query] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, &queryError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
			details:    err.Error(),
		}
	}
	return &req, nil
}

func (s *Service) aggregate(c *gin.Context, req *v1.AggregateRequest) (*v1.AggregateResponse, *queryError) {
	resp, err := s.Aggregate(c.Request.Context(), req)
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, aggregation.ErrUnknownFunction):
		return nil, &queryError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpUnknownFunctionError,
			message:    err.Error(),
			details:    map[string]interface{}{"functions": aggregation.FunctionNames()},
		}
	case errors.Is(err, aggregation.ErrTooManyGroups):
		return nil, &queryError{
			statusCode: http.StatusUnprocessableEntity,
			errorType:  httperr.HttpTooManyGroupsError,
			message:    err.Error(),
		}
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, aggregation.ErrInvalidParameter):
		slog.Warn("[Query] Rejected aggregate request", "request_id", req.RequestID, "error", err)
		return nil, &queryError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidRequestError,
			message:    err.Error(),
		}
	}

	slog.Error("[Query] Aggregation failed", "request_id", req.RequestID, "error", err)
	return nil, &queryError{
		statusCode: http.StatusInternalServerError,
		errorType:  httperr.HttpInternalError,
		message:    msgAggregationFailed,
		details:    err.Error(),
	}
}

// writeError serializes a queryError as the JSON HTTP response.
func writeError(c *gin.Context, err *queryError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
