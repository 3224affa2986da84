package queue

import (
	"encoding/json"
	"fmt"
)

// taskField is the stream entry field holding the encoded TaskMessage.
const taskField = "task"

// TaskMessage is the unit of work handed to the worker pool. It is rebuilt
// from the Job Record on every publish and never stored on its own.
type TaskMessage struct {
	JobID          string          `json:"job_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Delivery is one message read from a stream.
type Delivery struct {
	ID      string // stream entry id
	Queue   string
	Message TaskMessage
}

// Decision tells Consume what to do with a delivery once the handler returns.
type Decision struct {
	ack     bool
	requeue bool
}

// Ack removes the delivery from the queue.
func Ack() Decision { return Decision{ack: true} }

// Nack rejects the delivery. With requeue it is appended to the back of the
// same queue; without, it is moved to the dead-letter stream.
func Nack(requeue bool) Decision { return Decision{requeue: requeue} }

func (d Decision) String() string {
	switch {
	case d.ack:
		return "ack"
	case d.requeue:
		return "nack-requeue"
	default:
		return "nack"
	}
}

// PublishError is returned when the broker did not accept a message.
type PublishError struct {
	Queue string
	JobID string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("queue: publish %s to %s: %v", e.JobID, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DeadLetterQueue returns the dead-letter stream name for queue.
func DeadLetterQueue(queue string) string {
	return "dlq:" + queue
}

func encode(msg TaskMessage) (string, error) {
	if msg.JobID == "" {
		return "", fmt.Errorf("queue: message has no job_id")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s: %w", msg.JobID, err)
	}
	return string(data), nil
}

func decode(values map[string]interface{}) (TaskMessage, error) {
	var msg TaskMessage
	raw, ok := values[taskField].(string)
	if !ok {
		return msg, fmt.Errorf("queue: entry has no %q field", taskField)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("queue: decode: %w", err)
	}
	if msg.JobID == "" {
		return msg, fmt.Errorf("queue: decoded message has no job_id")
	}
	return msg, nil
}
