package main

import (
	"context"
	"fmt"

	"github.com/neptunomedical/vigia"
	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/broker"
	"github.com/neptunomedical/vigia/model"
)

// transport is the producer side shared by the redis queue and the AMQP broker.
type transport interface {
	EnqueueBatch(ctx context.Context, batch *model.LookupBatch) (string, error)
	PublishValidation(ctx context.Context, msg model.ValidationMessage) error
	Close() error
}

func newTransport(ctx context.Context, cnf *config.Configuration) (transport, error) {
	switch cnf.Transport.Driver {
	case config.TransportRabbitMQ:
		b := broker.New(cnf.Transport)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case config.TransportAsynq, "":
		return vigia.NewQueue(cnf)
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cnf.Transport.Driver)
	}
}
