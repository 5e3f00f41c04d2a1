package events

import (
	"context"
	"encoding/json"
	"fmt"

	"semaphore/qrsession/internal/session"
)

// RecordPublisher hands attendance rollups to the record store over the broker.
type RecordPublisher struct {
	Publisher Publisher
	Exchange  string
}

func NewRecordPublisher(publisher Publisher, exchange string) *RecordPublisher {
	return &RecordPublisher{Publisher: publisher, Exchange: exchange}
}

var _ session.RecordSink = (*RecordPublisher)(nil)

type recordMessage struct {
	Type   string         `json:"type"`
	Record session.Record `json:"record"`
}

func (p *RecordPublisher) PublishRecord(ctx context.Context, r session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(recordMessage{Type: "attendance.record.generated", Record: r})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return p.Publisher.Publish(p.Exchange, body)
}
