package mq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-sync/internal/common/config"
)

var ErrNack = errors.New("publish NACK from broker")

// confirmation is the broker's answer to one publish.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)

// Client owns one connection with a confirm-mode publishing channel and a
// separate consuming channel.
type Client struct {
	conn *amqp.Connection
	pub  *amqp.Channel
	cons *amqp.Channel

	publish publishFunc
}

func Dial(cfg config.MQ) (*Client, error) {
	vhost := strings.TrimPrefix(cfg.VHost, "/")
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	u := fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme, url.PathEscape(cfg.User), url.PathEscape(cfg.Pass), cfg.Host, cfg.Port, url.PathEscape(vhost))

	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(u, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(u)
	}
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, err
	}
	cons, err := conn.Channel()
	if err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Client{
		conn:    conn,
		pub:     pub,
		cons:    cons,
		publish: deferredPublish(pub),
	}, nil
}

// deferredPublish ties every publish to its own delivery tag, so a confirm
// that arrives after its caller gave up is never read by the next publish.
func deferredPublish(ch *amqp.Channel) publishFunc {
	return func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, errors.New("publisher channel is not in confirm mode")
		}
		return dc, nil
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.cons != nil {
		_ = c.cons.Close()
	}
	if c.pub != nil {
		_ = c.pub.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// NotifyClose reports connection loss.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Client) DeclareFanout(exchange string) error {
	return c.pub.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil)
}

// Publish sends a persistent JSON message and waits for the broker ack.
func (c *Client) Publish(ctx context.Context, exchange, key, messageID string, body []byte, headers amqp.Table) error {
	conf, err := c.publish(ctx, exchange, key, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return err
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return ErrNack
	}
	return nil
}

// ConsumeExclusive binds a server-named, auto-deleted queue to the exchange
// and starts consuming it with manual acks.
func (c *Client) ConsumeExclusive(exchange, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.cons.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	q, err := c.cons.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := c.cons.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", q.Name, err)
	}
	if err := c.cons.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return c.cons.Consume(q.Name, consumer, false, true, false, false, nil)
}

// CancelConsumer stops deliveries for the consumer tag.
func (c *Client) CancelConsumer(consumer string) error {
	return c.cons.Cancel(consumer, false)
}
