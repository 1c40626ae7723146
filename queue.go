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

package vigia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/apierror"
	redis_db "github.com/neptunomedical/vigia/internal/redis-db"
	"github.com/neptunomedical/vigia/model"
)

// Queue carries lookup batches in and validation messages out over asynq.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      *config.Configuration
}

// RedisClientOpt converts the configured redis DNS into asynq options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parsing redis url: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue initializes a Queue with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		conf:      conf,
	}, nil
}

// EnqueueBatch validates batch and queues it for the worker. It returns the
// task id. Lookup tasks are never retried by asynq: a failed batch has
// already been reported through its validation message.
func (q *Queue) EnqueueBatch(ctx context.Context, batch *model.LookupBatch) (string, error) {
	ctx, span := tracer.Start(ctx, "Queue.EnqueueBatch")
	defer span.End()

	if err := ValidateBatch(batch); err != nil {
		return "", err
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	queueName := q.conf.Queue.LookupQueue
	task := asynq.NewTask(queueName, payload,
		asynq.TaskID(taskID),
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"task_id":    info.ID,
		"insurer_id": batch.InsurerID.Int64(),
		"clients":    len(batch.Clients),
	}).Info("lookup batch enqueued")
	return info.ID, nil
}

// PublishValidation queues msg for the billing pipeline under a fresh id.
func (q *Queue) PublishValidation(ctx context.Context, msg model.ValidationMessage) error {
	ctx, span := tracer.Start(ctx, "Queue.PublishValidation")
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	queueName := q.conf.Queue.ValidationQueue
	task := asynq.NewTask(queueName, payload,
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(queueName),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "invoice_ids": msg.InvoiceID, "status": msg.Status}).
		Info("validation message published")
	return nil
}

// GetBatchFromQueue returns a queued batch by task id, or nil when the task
// is unknown.
func (q *Queue) GetBatchFromQueue(taskID string) (*model.LookupBatch, *asynq.TaskInfo, error) {
	info, err := q.Inspector.GetTaskInfo(q.conf.Queue.LookupQueue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var batch model.LookupBatch
	if err := json.Unmarshal(info.Payload, &batch); err != nil {
		return nil, nil, err
	}
	return &batch, info, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.WithError(err).Warn("closing queue inspector")
	}
	return q.Client.Close()
}

// ValidateBatch checks an inbound batch and each of its clients.
func ValidateBatch(batch *model.LookupBatch) error {
	if batch == nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "empty lookup batch", nil)
	}
	if err := batch.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	for i, c := range batch.Clients {
		if err := c.Validate(); err != nil {
			return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Clientes[%d]: %v", i, err), nil)
		}
	}
	return nil
}

// HandleLookupBatch is the asynq handler for queued batches. Payloads that
// cannot be decoded or validated are dropped without retry.
func (w *LookupWorker) HandleLookupBatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "LookupWorker.HandleLookupBatch")
	defer span.End()

	var batch model.LookupBatch
	if err := json.Unmarshal(t.Payload(), &batch); err != nil {
		logrus.WithError(err).Error("discarding undecodable lookup batch")
		return fmt.Errorf("decoding lookup batch: %v: %w", err, asynq.SkipRetry)
	}
	if err := ValidateBatch(&batch); err != nil {
		logrus.WithError(err).Error("discarding invalid lookup batch")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if _, err := w.ProcessBatch(ctx, &batch); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
