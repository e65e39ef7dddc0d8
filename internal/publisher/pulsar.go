package publisher

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

// Dial creates a pulsar client. The connection itself is established lazily
// by the first producer.
func Dial(url string, connectionTimeout, operationTimeout time.Duration) (pulsar.Client, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               url,
		ConnectionTimeout: connectionTimeout,
		OperationTimeout:  operationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pulsar client for %s: %w", url, err)
	}

	slog.Info("Pulsar client created", "url", url)
	return client, nil
}
