// Package publisher delivers individual flashes to downstream consumers.
// Delivery is at-least-once and strictly one call per flash: callers iterate
// their batch and isolate each flash's failure so that one bad item cannot
// roll back its siblings.
package publisher

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// Publisher pushes one flash to a downstream consumer. Implementations must
// be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, flash model.Flash) error
	Close()
}

// CompositePublisher fans a flash out to every configured destination. A
// failure at any destination marks the flash as failed so it will be
// retried; destinations must therefore tolerate duplicate deliveries.
type CompositePublisher struct {
	publishers []Publisher
}

func NewCompositePublisher(publishers ...Publisher) *CompositePublisher {
	return &CompositePublisher{publishers: publishers}
}

func (c *CompositePublisher) Publish(ctx context.Context, flash model.Flash) error {
	var result *multierror.Error
	for _, p := range c.publishers {
		if err := p.Publish(ctx, flash); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *CompositePublisher) Close() {
	for _, p := range c.publishers {
		p.Close()
	}
}
