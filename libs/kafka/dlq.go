package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter reasons shared by the consumer, the publisher and handlers.
const (
	ReasonEmptyMessage     = "empty_message"
	ReasonDecodeError      = "decode_error"
	ReasonInvalidEvent     = "invalid_event"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPublishFailed    = "publish_failed"
)

// Where a dead letter came from.
const (
	SourceConsume = "consume"
	SourcePublish = "publish"
)

// DLQError marks a handler error as terminal. The consumer dead-letters it
// on the first attempt instead of retrying.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the DLQ topic. Partition and Offset
// are only set for messages that failed on the consume side.
type DeadLetter struct {
	Source        string    `json:"source"`
	OriginalTopic string    `json:"original_topic"`
	Partition     *int32    `json:"partition,omitempty"`
	Offset        *int64    `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	EventID       string    `json:"event_id,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	FailedAt      time.Time `json:"failed_at"`
}

func newDeadLetter(source, topic, key string, raw []byte, err error, reason string, attempts int) DeadLetter {
	dl := DeadLetter{
		Source:        source,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	if len(raw) > 0 {
		dl.Payload = base64.StdEncoding.EncodeToString(raw)
		var env Envelope
		if json.Unmarshal(raw, &env) == nil {
			dl.EventID = env.EventID
			dl.EventType = env.EventType
		}
	}
	return dl
}

// ConsumeDeadLetter builds the record for a message the handler gave up on.
func ConsumeDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	var cause error
	reason := ""
	if err != nil {
		cause = err
		if err.Err != nil {
			cause = err.Err
		}
		reason = err.Reason
	}
	if msg == nil {
		return newDeadLetter(SourceConsume, "", "", nil, cause, reason, attempts)
	}
	dl := newDeadLetter(SourceConsume, msg.Topic, string(msg.Key), msg.Value, cause, reason, attempts)
	partition, offset := msg.Partition, msg.Offset
	dl.Partition = &partition
	dl.Offset = &offset
	if dl.EventType == "" {
		for _, h := range msg.Headers {
			if h != nil && string(h.Key) == headerEventType {
				dl.EventType = string(h.Value)
			}
		}
	}
	return dl
}

// PublishDeadLetter builds the record for a value the producer failed to send.
func PublishDeadLetter(topic, key string, value any, err error, attempts int) DeadLetter {
	var raw []byte
	if value != nil {
		var marshalErr error
		if raw, marshalErr = json.Marshal(value); marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
	}
	dl := newDeadLetter(SourcePublish, topic, key, raw, err, ReasonPublishFailed, attempts)
	if typed, ok := value.(interface{ Type() string }); ok && dl.EventType == "" {
		dl.EventType = typed.Type()
	}
	return dl
}
