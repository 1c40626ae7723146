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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/internal/request"
	"github.com/neptunomedical/vigia/model"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(title string, fields map[string]string, order []string) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
	}}}
	for _, name := range order {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%v", name, fields[name])}},
		})
	}
	return msg
}

func postJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) error {
	body, err := request.ToJsonReq(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	_, err = request.Call(req, nil)
	return err
}

// SlackNotification sends an error message to the configured Slack webhook.
func SlackNotification(err error) {
	conf, cerr := config.Fetch()
	if cerr != nil {
		logrus.Error(cerr)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	msg := slackPayload("Error From Vigia 🐞", map[string]string{
		"Error": err.Error(),
		"Time":  time.Now().Format(time.RFC822),
	}, []string{"Error", "Time"})

	if perr := postJSON(context.Background(), conf.Notification.Slack.WebhookUrl, nil, msg); perr != nil {
		logrus.WithError(perr).Error("slack notification failed")
	}
}

// NotifyError logs systemError and reports it to Slack without blocking the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		SlackNotification(systemError)
	}(systemError)
}

// SlackBatchReport posts a summary of a batch that finished with errors.
func SlackBatchReport(ctx context.Context, webhookURL string, msg model.ValidationMessage) error {
	payload := slackPayload("Lote con errores 🐞", map[string]string{
		"Aseguradora": msg.Insurer,
		"Facturas":    msg.InvoiceID,
		"Resultado":   fmt.Sprintf("%d/%d clientes con error", msg.Failed, msg.Total),
		"Estado":      string(msg.Status),
	}, []string{"Aseguradora", "Facturas", "Resultado", "Estado"})
	return postJSON(ctx, webhookURL, nil, payload)
}

// WebhookNotification posts the validation message to the configured webhook.
func WebhookNotification(ctx context.Context, url string, headers map[string]string, msg model.ValidationMessage) error {
	return postJSON(ctx, url, headers, msg)
}

// NotifyValidation fans a batch result out to the webhook and, for failed
// batches, to Slack. It returns immediately.
func NotifyValidation(msg model.ValidationMessage) {
	conf, err := config.Fetch()
	if err != nil {
		return
	}
	hook := conf.Notification.Webhook
	slack := conf.Notification.Slack.WebhookUrl
	if hook.Url == "" && (slack == "" || msg.Status != model.BatchFailed) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sendValidation(ctx, hook.Url, hook.Headers, slack, msg)
	}()
}

func sendValidation(ctx context.Context, hookURL string, headers map[string]string, slackURL string, msg model.ValidationMessage) {
	logger := logrus.WithField("invoice_ids", msg.InvoiceID)
	if hookURL != "" {
		if err := WebhookNotification(ctx, hookURL, headers, msg); err != nil {
			logger.WithError(err).Error("validation webhook failed")
		}
	}
	if slackURL != "" && msg.Status == model.BatchFailed {
		if err := SlackBatchReport(ctx, slackURL, msg); err != nil {
			logger.WithError(err).Error("slack batch report failed")
		}
	}
}
