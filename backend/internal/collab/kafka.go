package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"collabSync/backend/internal/ot"
)

const EventOpApplied = "OP_APPLIED"

// OpEvent is the message published for every accepted entry, keyed by
// document id so one document's events stay on one partition.
type OpEvent struct {
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId"`
	Entry     ot.Entry  `json:"entry"`
	AppliedAt time.Time `json:"appliedAt"`
}

func NewOpEvent(docID string, e ot.Entry) OpEvent {
	return OpEvent{
		EventType: EventOpApplied,
		DocID:     docID,
		Entry:     e,
		AppliedAt: time.UnixMilli(e.AcceptedAt).UTC(),
	}
}

type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Deliver(_ context.Context, docID string, e ot.Entry) error {
	if k.producer == nil || k.topic == "" {
		return nil
	}
	b, err := json.Marshal(NewOpEvent(docID, e))
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(docID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

// NewSyncProducer builds the producer used by KafkaSink.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
