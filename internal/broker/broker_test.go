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

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/model"
)

type fakeChannel struct {
	exchangeKind string
	durable      bool
	bound        [3]string
	prefetch     int
	published    []amqp.Publishing
	keys         []string
	deliveries   chan amqp.Delivery
	closed       bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.exchangeKind, c.durable = kind, durable
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.bound = [3]string{name, key, exchange}
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.acks++
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

func testTransport() config.TransportConfig {
	return config.TransportConfig{
		Exchange:                "aseguradoras",
		Queue:                   "consultas_aseguradora",
		RoutingKey:              "consulta",
		ValidationRoutingKey:    "validacion_excel",
		ReconnectMaxElapsedSecs: 1,
	}
}

func connectedBroker(t *testing.T) (*Broker, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
	b := New(testTransport())
	b.dial = func(string) (channel, io.Closer, error) { return ch, nopCloser{}, nil }
	require.NoError(t, b.Connect(context.Background()))
	return b, ch
}

func TestConnect_DeclaresTopology(t *testing.T) {
	_, ch := connectedBroker(t)

	assert.Equal(t, amqp.ExchangeDirect, ch.exchangeKind)
	assert.True(t, ch.durable)
	assert.Equal(t, [3]string{"consultas_aseguradora", "consulta", "aseguradoras"}, ch.bound)
	assert.Equal(t, 1, ch.prefetch)
}

func TestConnect_GivesUpAfterMaxElapsed(t *testing.T) {
	b := New(testTransport())
	b.dial = func(string) (channel, io.Closer, error) { return nil, nil, errors.New("connection refused") }

	err := b.Connect(context.Background())
	assert.Error(t, err)
}

func TestPublishValidation_PersistentJSON(t *testing.T) {
	b, ch := connectedBroker(t)
	msg := model.NewValidationMessage("Aseguradora Test", []int64{101, 102}, 1, 1, time.Now())

	require.NoError(t, b.PublishValidation(context.Background(), msg))
	require.Len(t, ch.published, 1)

	pub := ch.published[0]
	assert.Equal(t, "validacion_excel", ch.keys[0])
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.NotEmpty(t, pub.MessageId)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.Body, &got))
	assert.Equal(t, "101,102", got["IdFactura"])
	assert.Equal(t, "PROCESADO_PARCIALMENTE", got["Estado"])
}

func TestPublish_UniqueMessageIDs(t *testing.T) {
	b, ch := connectedBroker(t)
	batch := &model.LookupBatch{InsurerID: 7, Clients: []model.ClientRecord{{InvoiceID: 1, DocumentID: "1"}}}

	_, err := b.EnqueueBatch(context.Background(), batch)
	require.NoError(t, err)
	_, err = b.EnqueueBatch(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, ch.published, 2)
	assert.Equal(t, "consulta", ch.keys[0])
	assert.NotEqual(t, ch.published[0].MessageId, ch.published[1].MessageId)
}

func TestPublish_NotConnected(t *testing.T) {
	b := New(testTransport())
	err := b.PublishValidation(context.Background(), model.ValidationMessage{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandleDelivery(t *testing.T) {
	b := New(testTransport())
	okBody, _ := json.Marshal(model.LookupBatch{InsurerID: 7})

	tests := []struct {
		name       string
		body       []byte
		handlerErr error
		wantAcks   int
		wantNacks  int
		wantCalled bool
	}{
		{"processed", okBody, nil, 1, 0, true},
		{"handler failure", okBody, errors.New("portal down"), 0, 1, true},
		{"bad json", []byte("{"), nil, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			called := false
			handler := func(_ context.Context, batch *model.LookupBatch) error {
				called = true
				assert.Equal(t, model.FlexInt(7), batch.InsurerID)
				return tt.handlerErr
			}
			b.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: tt.body, DeliveryTag: 1}, handler)

			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantAcks, ack.acks)
			assert.Equal(t, tt.wantNacks, ack.nacks)
			assert.False(t, ack.requeued)
		})
	}
}

func TestConsume_StopsWhenContextEnds(t *testing.T) {
	b, ch := connectedBroker(t)
	body, _ := json.Marshal(model.LookupBatch{InsurerID: 7})
	ack := &fakeAck{}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan struct{})
	handler := func(context.Context, *model.LookupBatch) error {
		close(handled)
		cancel()
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- b.Consume(ctx, handler) }()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not handled")
	}
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop")
	}
	assert.Equal(t, 1, ack.acks)
}
