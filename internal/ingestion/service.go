package ingestion

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/viaacode/mh-events2pulsar/internal/envelope"
	"github.com/viaacode/mh-events2pulsar/internal/metrics"
)

// Publisher hands one envelope to the broker.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

type Service struct {
	builder          *envelope.Builder
	publisher        Publisher
	metrics          *metrics.Metrics
	maxBodySizeBytes int
}

func NewService(builder *envelope.Builder, pub Publisher, m *metrics.Metrics, maxBodySizeMB int) *Service {
	if builder == nil {
		panic("ingestion: builder must not be nil")
	}
	if pub == nil {
		panic("ingestion: publisher must not be nil")
	}
	if m == nil {
		panic("ingestion: metrics must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 10 // default to 10MB
	}
	return &Service{
		builder:          builder,
		publisher:        pub,
		metrics:          m,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/event", s.IngestHandler)
}
