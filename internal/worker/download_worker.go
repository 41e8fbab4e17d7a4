package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	"github.com/kage-kao/VK-Music-Saver/internal/mq"
	"github.com/kage-kao/VK-Music-Saver/internal/task"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

type dlqMessage struct {
	TaskID   string    `json:"task_id"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Publisher sends encoded messages to the task exchange.
type Publisher interface {
	PublishTask(ctx context.Context, body []byte) error
}

// RabbitDispatcher hands tasks to worker processes through RabbitMQ.
type RabbitDispatcher struct {
	publisher func() (Publisher, error)
}

func NewRabbitDispatcher() *RabbitDispatcher {
	return &RabbitDispatcher{publisher: func() (Publisher, error) { return mq.GetPublisher() }}
}

func (d *RabbitDispatcher) Dispatch(ctx context.Context, taskID string) error {
	body, err := json.Marshal(task.DownloadMessage{TaskID: taskID})
	if err != nil {
		return err
	}
	pub, err := d.publisher()
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	return pub.PublishTask(ctx, body)
}

// RunDownloadWorker consumes download tasks from RabbitMQ and runs them with run.
func RunDownloadWorker(ctx context.Context, run task.RunFunc) error {
	client, err := mq.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DeclareTopology(); err != nil {
		return err
	}

	prefetch := config.AppConfig.RabbitMQPrefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := client.Channel.Qos(prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := client.Channel.Consume(
		mq.QueueTasks,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	concurrency := config.AppConfig.DownloadWorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	limiter := newLimiter(config.AppConfig.DownloadRate, config.AppConfig.DownloadBurst)

	log.Printf("download worker: consuming %s with concurrency %d", mq.QueueTasks, concurrency)
	for {
		select {
		case <-ctx.Done():
			// let in-flight tasks settle before the channel closes
			for i := 0; i < concurrency; i++ {
				sem <- struct{}{}
			}
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("download worker: delivery channel closed")
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				handleDownloadMessage(ctx, client, limiter, run, d)
			}(delivery)
		}
	}
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Acker is the part of amqp.Delivery the handler needs.
type Acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type dlqPublisher interface {
	PublishDLQ(ctx context.Context, body []byte) error
}

func handleDownloadMessage(ctx context.Context, client dlqPublisher, limiter *rate.Limiter, run task.RunFunc, delivery amqp.Delivery) {
	process(ctx, client, limiter, run, delivery.Body, delivery)
}

func process(ctx context.Context, client dlqPublisher, limiter *rate.Limiter, run task.RunFunc, body []byte, ack Acker) {
	var msg task.DownloadMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.TaskID == "" {
		log.Printf("download worker: invalid message: %v", err)
		// rejected messages are dead-lettered by the queue
		_ = ack.Nack(false, false)
		return
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			_ = ack.Nack(false, true)
			return
		}
	}

	if err := run(ctx, msg.TaskID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = ack.Nack(false, true)
			return
		}
		recordFailure(context.WithoutCancel(ctx), client, msg, err)
	}
	_ = ack.Ack(false)
}

// recordFailure publishes the failed run to the dead-letter queue. The task
// record already carries its error state.
func recordFailure(ctx context.Context, client dlqPublisher, msg task.DownloadMessage, procErr error) {
	body, err := json.Marshal(dlqMessage{
		TaskID:   msg.TaskID,
		Error:    procErr.Error(),
		FailedAt: time.Now(),
	})
	if err != nil {
		return
	}
	if err := client.PublishDLQ(ctx, body); err != nil {
		log.Printf("download worker: dlq publish failed: %v", err)
	}
}
