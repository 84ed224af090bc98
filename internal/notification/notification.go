/*
Copyright 2024 Blnk Finance Authors.

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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/internal/request"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// webhookSender forwards system errors to the outbound webhook queue. It is registered by the
// courier package at startup so this package does not import it.
var webhookSender func(event string, payload interface{}) error

func RegisterWebhookSender(sender func(event string, payload interface{}) error) {
	webhookSender = sender
}

// SlackNotification posts an error block to the configured Slack webhook.
func SlackNotification(err error) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {"type": "plain_text", "text": "Error From Courier 🐞", "emoji": true}
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": "*Error:*\n%s"}]
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": "*Time:*\n%s"}]
			}
		]
	}`, jsonEscape(err.Error()), time.Now().Format(time.RFC822)))

	conf, cErr := config.Fetch()
	if cErr != nil {
		logrus.Error(cErr)
		return
	}

	payload, pErr := request.ToJsonReq(&data)
	if pErr != nil {
		logrus.Error(pErr)
		return
	}

	req, rErr := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if rErr != nil {
		logrus.Error(rErr)
		return
	}

	// Slack answers with plain "ok", so the body is not decoded
	if _, err := request.Send(req); err != nil {
		logrus.Error(err)
	}
}

// NotifyError logs the error and fans it out to Slack and the outbound webhook without blocking.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}

		if webhookSender != nil {
			if err := webhookSender("system.error", map[string]string{"error": systemError.Error()}); err != nil {
				logrus.Errorf("failed to queue system error webhook: %v", err)
			}
		}
	}(systemError)
}

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

var newMailSender = func(cfg config.SMTPConfig) mailSender {
	return gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
}

// ShouldReport tells whether a finished run matches the task's notification policy.
func ShouldReport(policy model.NotificationPolicy, successful bool) bool {
	if policy.Email == "" {
		return false
	}
	if successful {
		return policy.NotifyOnSuccess
	}
	return policy.NotifyOnFailure
}

// SendTaskReport mails a run summary to the task's notification address.
func SendTaskReport(cfg config.SMTPConfig, task *model.ScheduledTask, exec model.TaskExecution) error {
	if cfg.Host == "" {
		return fmt.Errorf("smtp host is not configured, cannot notify %s", task.Notification.Email)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", cfg.From)
	msg.SetHeader("To", task.Notification.Email)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] %s run %s", exec.Status, task.Name, exec.ExecutionID))
	msg.SetBody("text/plain", renderTaskReport(task, exec))

	return newMailSender(cfg).DialAndSend(msg)
}

func renderTaskReport(task *model.ScheduledTask, exec model.TaskExecution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s (%s)\n", task.Name, task.TaskID)
	fmt.Fprintf(&b, "Trigger: %s\n", exec.Trigger)
	fmt.Fprintf(&b, "Status: %s\n", exec.Status)
	fmt.Fprintf(&b, "Started: %s\n", exec.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %dms\n", exec.Duration)
	fmt.Fprintf(&b, "Records: %d processed, %d succeeded, %d failed\n", exec.RecordsProcessed, exec.RecordsSuccess, exec.RecordsFailed)
	if len(exec.BatchIDs) > 0 {
		fmt.Fprintf(&b, "Batches: %s\n", strings.Join(exec.BatchIDs, ", "))
	}
	if exec.FileName != "" {
		fmt.Fprintf(&b, "File: %s (%d bytes, sent=%t)\n", exec.FileName, exec.FileSize, exec.FileSent)
	}
	if exec.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", exec.ErrorMessage)
	}
	return b.String()
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
