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

package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/model"
	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email attaches the file to a message sent through the configured SMTP relay.
type Email struct {
	cfg    config.SMTPConfig
	sender mailSender
}

func NewEmail(cfg config.SMTPConfig) *Email {
	return &Email{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (e *Email) Send(ctx context.Context, file File, target model.DeliveryTarget) (*Receipt, error) {
	if target.Email == nil {
		return nil, errors.New("email target is missing")
	}
	if e.cfg.Host == "" {
		return nil, errors.New("smtp host is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := target.Email.Subject
	if subject == "" {
		subject = fmt.Sprintf("Batch %s", file.BatchNumber)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", e.cfg.From)
	msg.SetHeader("To", target.Email.Address)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("X-Batch-Checksum", file.Checksum)
	msg.SetBody("text/plain", fmt.Sprintf("Attached is batch %s (%s, %d bytes).\nSHA-256: %s\n",
		file.BatchNumber, file.Name, file.Size(), file.Checksum))
	content := file.Content
	msg.Attach(file.Name,
		gomail.SetHeader(map[string][]string{"Content-Type": {file.ContentType}}),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(content)
			return err
		}),
	)

	if err := e.sender.DialAndSend(msg); err != nil {
		return nil, errors.Wrapf(err, "failed to email %s", target.Email.Address)
	}
	return &Receipt{Location: "mailto:" + target.Email.Address, BytesSent: file.Size()}, nil
}
