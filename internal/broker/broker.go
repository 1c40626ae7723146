/*
Copyright 2024 Vigia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package broker is the RabbitMQ transport: lookup batches are consumed one at a
time from a durable queue bound to a direct exchange, and validation messages
are published back to the same exchange.
*/
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/model"
)

var tracer = otel.Tracer("vigia.broker")

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("broker is not connected")

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialer func(url string) (channel, io.Closer, error)

func dialAMQP(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Handler processes one decoded batch. A returned error rejects the
// delivery without requeueing it.
type Handler func(ctx context.Context, batch *model.LookupBatch) error

type Broker struct {
	conf config.TransportConfig
	dial dialer

	mu   sync.Mutex
	ch   channel
	conn io.Closer
}

func New(conf config.TransportConfig) *Broker {
	return &Broker{conf: conf, dial: dialAMQP}
}

// Connect dials the broker, retrying with exponential backoff for up to
// ReconnectMaxElapsedSecs, and declares the topology.
func (b *Broker) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = time.Duration(b.conf.ReconnectMaxElapsedSecs) * time.Second

	return backoff.RetryNotify(func() error {
		ch, conn, err := b.dial(b.conf.AmqpURL)
		if err != nil {
			return err
		}
		if err := b.declare(ch); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
		b.mu.Lock()
		b.ch, b.conn = ch, conn
		b.mu.Unlock()
		logrus.WithFields(logrus.Fields{"exchange": b.conf.Exchange, "queue": b.conf.Queue}).Info("connected to rabbitmq")
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logrus.WithError(err).WithField("retry_in", wait).Warn("rabbitmq connection failed")
	})
}

func (b *Broker) declare(ch channel) error {
	if err := ch.ExchangeDeclare(b.conf.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(b.conf.Queue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(b.conf.Queue, b.conf.RoutingKey, b.conf.Exchange, false, nil); err != nil {
		return err
	}
	// one unacknowledged batch at a time
	return ch.Qos(1, 0, false)
}

func (b *Broker) current() (channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return nil, ErrNotConnected
	}
	return b.ch, nil
}

func (b *Broker) publish(ctx context.Context, routingKey string, v interface{}) (string, error) {
	ch, err := b.current()
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, b.conf.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	return id, err
}

// PublishValidation sends a batch summary with the validation routing key.
func (b *Broker) PublishValidation(ctx context.Context, msg model.ValidationMessage) error {
	ctx, span := tracer.Start(ctx, "Broker.PublishValidation")
	defer span.End()

	id, err := b.publish(ctx, b.conf.ValidationRoutingKey, msg)
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"message_id": id, "invoice_ids": msg.InvoiceID, "status": msg.Status}).
		Info("validation message published")
	return nil
}

// EnqueueBatch publishes a lookup batch to the worker queue and returns its message id.
func (b *Broker) EnqueueBatch(ctx context.Context, batch *model.LookupBatch) (string, error) {
	ctx, span := tracer.Start(ctx, "Broker.EnqueueBatch")
	defer span.End()

	id, err := b.publish(ctx, b.conf.RoutingKey, batch)
	if err != nil {
		span.RecordError(err)
	}
	return id, err
}

// Consume delivers batches to handler until ctx is done. A closed delivery
// channel triggers a reconnect.
func (b *Broker) Consume(ctx context.Context, handler Handler) error {
	for {
		ch, err := b.current()
		if err != nil {
			return err
		}
		deliveries, err := ch.Consume(b.conf.Queue, "vigia-"+uuid.NewString()[:8], false, false, false, false, nil)
		if err != nil {
			return err
		}

		if done := b.drain(ctx, deliveries, handler); done {
			return nil
		}

		logrus.Warn("rabbitmq delivery channel closed, reconnecting")
		b.closeConn()
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
}

// drain handles deliveries until ctx ends (true) or the channel closes (false).
func (b *Broker) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() != nil
			}
			b.handleDelivery(ctx, d, handler)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	logger := logrus.WithFields(logrus.Fields{"message_id": d.MessageId, "delivery_tag": d.DeliveryTag})

	var batch model.LookupBatch
	if err := json.Unmarshal(d.Body, &batch); err != nil {
		logger.WithError(err).Error("discarding undecodable lookup batch")
		if nerr := d.Nack(false, false); nerr != nil {
			logger.WithError(nerr).Error("nack failed")
		}
		return
	}

	if err := handler(ctx, &batch); err != nil {
		logger.WithError(err).Error("lookup batch failed")
		if nerr := d.Nack(false, false); nerr != nil {
			logger.WithError(nerr).Error("nack failed")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.WithError(err).Error("ack failed")
	}
}

func (b *Broker) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *Broker) Close() error {
	b.closeConn()
	return nil
}
