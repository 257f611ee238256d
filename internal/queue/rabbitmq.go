package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Work queues are bound to taskExchangeName by lowercase task type; dead letters
	// flow through dlxExchangeName with the same routing keys.
	taskExchangeName = "binding.tasks"
	dlxExchangeName  = "binding.dlx"

	connectTimeout   = 15 * time.Second
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// RabbitMQ owns one broker connection and declares the task topology once per
// connection.
type RabbitMQ struct {
	url string

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
	declared    *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ch, err := r.channel(ctx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// channel opens a channel on a live connection, reconnecting with backoff when the
// connection dropped. The topology is declared on the first channel of every new
// connection.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if err := r.reconnectWithBackoff(ctx); err != nil {
			return nil, err
		}
		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	r.mu.RLock()
	declared := r.declared == conn
	r.mu.RUnlock()
	if !declared {
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		r.mu.Lock()
		r.declared = conn
		r.mu.Unlock()
	}

	return ch, nil
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return conn, nil
	}

	if err := r.reconnectWithBackoff(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil, fmt.Errorf("rabbitmq connection closed")
	}
	return r.conn, nil
}

func (r *RabbitMQ) reconnectWithBackoff(ctx context.Context) error {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.Dial(r.url)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = newConn
			r.mu.Unlock()

			if oldConn != nil && !oldConn.IsClosed() {
				_ = oldConn.Close()
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq reconnect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		wait = nextBackoff(wait)
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	return min(wait*2, maxBackoff)
}

func declareTopology(ch *amqp.Channel) error {
	for _, exchange := range []string{taskExchangeName, dlxExchangeName} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
		}
	}

	for _, taskType := range supportedTaskTypes {
		routingKey := taskRoutingKey(taskType)

		dlqName := DLQName(taskType)
		if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
		}
		if err := ch.QueueBind(dlqName, routingKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
		}

		queueName := QueueName(taskType)
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, workQueueArgs(taskType)); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
		}
		if err := ch.QueueBind(queueName, routingKey, taskExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", queueName, err)
		}
	}

	return nil
}

func workQueueArgs(taskType domain.TaskType) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": taskRoutingKey(taskType),
	}
}

func taskRoutingKey(taskType domain.TaskType) string {
	return strings.ToLower(taskType.String())
}

// publishTarget resolves where a message for queue is sent. Work queues go through
// the task exchange; any other queue name (a DLQ replay, say) uses the default
// exchange.
func publishTarget(queue string) (exchange, routingKey string) {
	if taskType, ok := taskTypeForQueue(queue); ok {
		return taskExchangeName, taskRoutingKey(taskType)
	}
	return "", queue
}
