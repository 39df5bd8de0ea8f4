package events

import (
	json "github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_report/internal/logging"
)

const EnvelopeType = "report.diagnostic"

// Envelope is the NSQ message body for one diagnostic event.
type Envelope struct {
	Type    string `json:"type"`    // "report.diagnostic"
	Version string `json:"version"` // schema version
	Service string `json:"service,omitempty"`
	Event   Event  `json:"event"`
}

func NewEnvelope(service string, e Event) Envelope {
	return Envelope{
		Type:    EnvelopeType,
		Version: "v1",
		Service: service,
		Event:   e,
	}
}

// Publisher is the subset of *nsq.Producer used by NSQPublisher.
type Publisher interface {
	Publish(topic string, body []byte) error
}

var _ Publisher = (*nsq.Producer)(nil)

// NSQPublisher forwards events to an NSQ topic so operators can watch the
// pipeline from outside the process.
type NSQPublisher struct {
	prod    Publisher
	topic   string
	service string
	logger  *logging.Logger
}

func NewNSQPublisher(prod Publisher, topic, service string, logger *logging.Logger) *NSQPublisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &NSQPublisher{prod: prod, topic: topic, service: service, logger: logger}
}

// NewNSQProducer dials nsqd for diagnostic publishing.
func NewNSQProducer(addr string) (*nsq.Producer, error) {
	return nsq.NewProducer(addr, nsq.NewConfig())
}

func (p *NSQPublisher) OnEvent(e Event) {
	b, err := json.Marshal(NewEnvelope(p.service, e))
	if err != nil {
		p.logger.Plain().WithError(err).Error("diagnostic envelope marshal failed")
		return
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		p.logger.Plain().WithError(err).WithField("topic", p.topic).Error("diagnostic publish failed")
	}
}
