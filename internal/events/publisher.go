package events

import (
	"encoding/json"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"catalog-import-service/internal/importer"
)

// Publisher mirrors import job events onto the message bus for downstream
// services (search indexing, audit). Publishing is fire-and-forget: a bus
// outage never slows or fails an import.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewPublisher connects to NATS using NATS_URL. When NATS_URL is unset the
// publisher is a no-op, which keeps local development working without a bus.
func NewPublisher(logger *logrus.Logger) (*Publisher, error) {
	log := logger.WithField("component", "events-publisher")

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		log.Warn("NATS_URL not set, job events will not be published to the bus")
		return &Publisher{logger: log}, nil
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("catalog-import-service"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	log.WithField("url", natsURL).Info("Connected to NATS")
	return &Publisher{conn: conn, logger: log}, nil
}

// PublishJobEvent sends the event on a subject named after the event type
// (import.progress, import.completed, ...). Runs async so the pipeline never
// blocks on the bus.
func (p *Publisher) PublishJobEvent(event importer.JobEvent) {
	if p.conn == nil {
		return
	}
	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			p.logger.WithError(err).Error("Failed to marshal job event")
			return
		}
		if err := p.conn.Publish(string(event.Type), payload); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"job_id":  event.JobID,
				"subject": event.Type,
			}).Error("Failed to publish job event")
		}
	}()
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
