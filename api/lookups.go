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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia"
	"github.com/neptunomedical/vigia/internal/apierror"
	"github.com/neptunomedical/vigia/model"
)

type queuedBatch struct {
	TaskID  string `json:"task_id"`
	Clients int    `json:"clients"`
}

type batchStatus struct {
	TaskID  string             `json:"task_id"`
	Queue   string             `json:"queue"`
	State   string             `json:"state"`
	Retried int                `json:"retried"`
	LastErr string             `json:"last_error,omitempty"`
	Batch   *model.LookupBatch `json:"batch"`
}

// QueueLookupBatch validates a lookup batch and hands it to the worker.
//
// Responses:
// - 400 Bad Request: the body is not a batch or fails validation.
// - 202 Accepted: the batch was queued; the body carries its task id.
func (a Api) QueueLookupBatch(c *gin.Context) {
	var batch model.LookupBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := vigia.ValidateBatch(&batch); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"errors": err.Error()})
		return
	}

	taskID, err := a.enqueuer.EnqueueBatch(c.Request.Context(), &batch)
	if err != nil {
		logrus.Error(err)
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, queuedBatch{TaskID: taskID, Clients: len(batch.Clients)})
}

// GetLookupBatch reports the queue state of a batch. Only the redis queue
// transport keeps batches inspectable.
func (a Api) GetLookupBatch(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	finder, ok := a.enqueuer.(BatchFinder)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "the configured transport does not track batches"})
		return
	}

	batch, info, err := finder.GetBatchFromQueue(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if batch == nil || info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}

	c.JSON(http.StatusOK, batchStatus{
		TaskID:  info.ID,
		Queue:   info.Queue,
		State:   info.State.String(),
		Retried: info.Retried,
		LastErr: info.LastErr,
		Batch:   batch,
	})
}
