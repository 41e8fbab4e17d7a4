package mq

import (
	"context"
	"sync"
	"time"

	"github.com/kage-kao/VK-Music-Saver/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeTasks = "vkms.download.exchange"
	ExchangeDLQ   = "vkms.download.dlq.exchange"

	QueueTasks = "vkms.download.queue"
	QueueDLQ   = "vkms.download.dlq.queue"

	RoutingTask = "download"
	RoutingDLQ  = "download.dlq"
)

type Client struct {
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	publishMu sync.Mutex
}

var publisherMu sync.Mutex
var publisher *Client

func Dial() (*Client, error) {
	conn, err := amqp.Dial(config.AppConfig.RabbitMQURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, Channel: ch}, nil
}

// GetPublisher returns a shared publishing client, reconnecting if the
// previous one was closed.
func GetPublisher() (*Client, error) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	if publisher != nil {
		if !publisher.Conn.IsClosed() && !publisher.Channel.IsClosed() {
			return publisher, nil
		}
		publisher.Close()
		publisher = nil
	}
	client, err := Dial()
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTopology(); err != nil {
		client.Close()
		return nil, err
	}
	publisher = client
	return publisher, nil
}

// ClosePublisher closes the shared client, if any.
func ClosePublisher() {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	publisher.Close()
	publisher = nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// DeclareTopology declares the durable task and dead-letter exchanges and
// queues.
func (c *Client) DeclareTopology() error {
	for _, exchange := range []string{ExchangeTasks, ExchangeDLQ} {
		if err := c.Channel.ExchangeDeclare(
			exchange,
			"direct",
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return err
		}
	}
	if _, err := c.Channel.QueueDeclare(
		QueueTasks,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    ExchangeDLQ,
			"x-dead-letter-routing-key": RoutingDLQ,
		},
	); err != nil {
		return err
	}
	if _, err := c.Channel.QueueDeclare(
		QueueDLQ,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}
	if err := c.Channel.QueueBind(
		QueueTasks,
		RoutingTask,
		ExchangeTasks,
		false,
		nil,
	); err != nil {
		return err
	}
	return c.Channel.QueueBind(
		QueueDLQ,
		RoutingDLQ,
		ExchangeDLQ,
		false,
		nil,
	)
}

func (c *Client) PublishTask(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeTasks, RoutingTask, body)
}

func (c *Client) PublishDLQ(ctx context.Context, body []byte) error {
	return c.publish(ctx, ExchangeDLQ, RoutingDLQ, body)
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.Channel.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}
