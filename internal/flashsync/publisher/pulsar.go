package publisher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flashcastr/flashsync/internal/flashsync/configuration"
	"github.com/flashcastr/flashsync/internal/flashsync/metrics"
	"github.com/flashcastr/flashsync/internal/flashsync/model"
)

// NewPulsarClient creates a pulsar client from the application config.
func NewPulsarClient(config configuration.PulsarConfig) (pulsar.Client, error) {
	return pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
	})
}

// PulsarPublisher pushes flashes onto a pulsar topic as JSON, keyed by flash
// id so that per-flash ordering is preserved under key-shared subscriptions.
type PulsarPublisher struct {
	producer    pulsar.Producer
	sendTimeout time.Duration
	metrics     *metrics.Metrics
}

func NewPulsarPublisher(client pulsar.Client, config configuration.PulsarConfig, m *metrics.Metrics) (*PulsarPublisher, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: config.Topic,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "error creating pulsar producer")
	}
	sendTimeout := config.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &PulsarPublisher{
		producer:    producer,
		sendTimeout: sendTimeout,
		metrics:     m,
	}, nil
}

func (p *PulsarPublisher) Publish(ctx context.Context, flash model.Flash) error {
	payload, err := json.Marshal(flash)
	if err != nil {
		return errors.WithStack(err)
	}
	msg := &pulsar.ProducerMessage{
		Payload: payload,
		Key:     strconv.FormatInt(flash.FlashID, 10),
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	_, err = p.producer.Send(ctxWithTimeout, msg)
	if err != nil {
		// Pulsar errors may be transient; try one more time before giving
		// the flash back to the caller for ledgering.
		log.WithError(err).Warnf("Send to pulsar failed for flash %d; retrying once", flash.FlashID)
		_, err = p.producer.Send(ctxWithTimeout, msg)
	}
	if err != nil {
		p.metrics.RecordPublishError(metrics.PublishErrorQueue)
		return errors.WithMessagef(err, "sending flash %d to pulsar", flash.FlashID)
	}
	return nil
}

func (p *PulsarPublisher) Close() {
	p.producer.Close()
}
