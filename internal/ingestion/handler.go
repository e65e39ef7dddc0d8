package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
	"github.com/viaacode/mh-events2pulsar/internal/metrics"
	"github.com/viaacode/mh-events2pulsar/internal/premis"
)

const msgReadBodyFailed = "Failed to read request body"

// ingestionError carries the HTTP status and failure reason from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	reason     string
	message    string
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles HTTP POST requests carrying a batch of PREMIS events.
// Events are forwarded one by one in document order; the first failure stops
// the batch and events already published stay published.
func (s *Service) IngestHandler(c *gin.Context) {
	body, ierr := s.readBody(c)
	if ierr != nil {
		s.writeError(c, ierr)
		return
	}

	batch, err := premis.Split(body)
	if err != nil {
		slog.Warn("Malformed event batch received", "error", err, "payload_size", len(body))
		s.writeError(c, &ingestionError{
			statusCode: http.StatusBadRequest,
			reason:     metrics.ReasonMalformedBatch,
			message:    err.Error(),
		})
		return
	}

	slog.Info("Received event batch", "events", batch.Len(), "payload_size", len(body))
	s.metrics.BatchReceived(batch.Len())

	// A publish that has started runs to completion even if the client goes away.
	ctx := context.WithoutCancel(c.Request.Context())

	published, ierr := s.forwardBatch(ctx, batch)
	if ierr != nil {
		slog.Warn("Event batch aborted", "error", ierr.message, "published", published, "events", batch.Len())
		s.writeError(c, ierr)
		return
	}

	c.Status(http.StatusOK)
}

// readBody reads the request body, bounded by the configured maximum size.
func (s *Service) readBody(c *gin.Context) ([]byte, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			reason:     metrics.ReasonReadBody,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			reason:     metrics.ReasonBodyTooLarge,
			message:    fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", maxBytes),
		}
	}

	return bodyBytes, nil
}

// forwardBatch publishes every event of the batch in order and returns how
// many were published before the first failure.
func (s *Service) forwardBatch(ctx context.Context, batch *premis.Batch) (int, *ingestionError) {
	published := 0
	for raw, ok := batch.Next(); ok; raw, ok = batch.Next() {
		if ierr := s.forwardEvent(ctx, published+1, raw); ierr != nil {
			return published, ierr
		}
		published++
	}

	if err := batch.Err(); err != nil {
		return published, &ingestionError{
			statusCode: http.StatusInternalServerError,
			reason:     metrics.ReasonSerialization,
			message:    err.Error(),
		}
	}
	return published, nil
}

// forwardEvent runs parse, build and publish for the event at position index (1-based).
func (s *Service) forwardEvent(ctx context.Context, index int, raw string) *ingestionError {
	evt, err := premis.Parse(raw)
	if err != nil {
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			reason:     metrics.ReasonMalformedEvent,
			message:    fmt.Sprintf("event %d: %v", index, err),
		}
	}

	env, err := s.builder.Build(evt)
	if err != nil {
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			reason:     metrics.ReasonSerialization,
			message:    fmt.Sprintf("event %d: %v", index, err),
		}
	}

	start := time.Now()
	if err := s.publisher.Publish(ctx, env); err != nil {
		slog.Error("Failed to publish event",
			"error", err,
			"routing_key", env.RoutingKey,
			"subject", env.Properties[envelope.PropSubject],
			"correlation_id", env.CorrelationID())
		return &ingestionError{
			statusCode: http.StatusInternalServerError,
			reason:     metrics.ReasonPublish,
			message:    fmt.Sprintf("event %d: %v", index, err),
		}
	}
	s.metrics.Published(env.RoutingKey, time.Since(start))

	slog.Debug("Published event",
		"routing_key", env.RoutingKey,
		"subject", env.Properties[envelope.PropSubject],
		"correlation_id", env.CorrelationID(),
		"event_time", env.EventTimeMillis())

	return nil
}

// writeError records the failure and writes its message as a plain-text response.
func (s *Service) writeError(c *gin.Context, err *ingestionError) {
	s.metrics.Failed(err.reason)
	c.String(err.statusCode, "%s", err.message)
}
