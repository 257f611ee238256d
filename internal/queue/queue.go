package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

// Publisher publishes batch task messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg TaskMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg TaskMessage) error

// Consumer consumes batch task messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const queuePrefix = "binding"

var supportedTaskTypes = []domain.TaskType{
	domain.TaskTypeBind,
	domain.TaskTypeUnbind,
}

// QueueName returns the work queue for a task type, e.g. binding.bind.
func QueueName(taskType domain.TaskType) string {
	return fmt.Sprintf("%s.%s", queuePrefix, strings.ToLower(taskType.String()))
}

// taskTypeForQueue reports which task type a work queue carries.
func taskTypeForQueue(queue string) (domain.TaskType, bool) {
	for _, taskType := range supportedTaskTypes {
		if QueueName(taskType) == queue {
			return taskType, true
		}
	}
	return "", false
}

// DLQName returns the dead-letter queue for a task type, e.g. dlq.binding.bind.
func DLQName(taskType domain.TaskType) string {
	return fmt.Sprintf("dlq.%s", QueueName(taskType))
}

// WorkQueueNames returns all task work queues.
func WorkQueueNames() []string {
	queues := make([]string, 0, len(supportedTaskTypes))
	for _, taskType := range supportedTaskTypes {
		queues = append(queues, QueueName(taskType))
	}
	return queues
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(supportedTaskTypes))
	for _, taskType := range supportedTaskTypes {
		queues = append(queues, DLQName(taskType))
	}
	return queues
}
