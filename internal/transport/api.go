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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/pkg/errors"
)

// API posts the raw file to the partner endpoint. Any 2xx answer is a successful delivery.
type API struct {
	client *http.Client
}

func NewAPI(timeout time.Duration) *API {
	return &API{client: &http.Client{Timeout: timeout}}
}

// NewAPIWithClient is used when the caller owns the http client.
func NewAPIWithClient(client *http.Client) *API {
	return &API{client: client}
}

func (a *API) Send(ctx context.Context, file File, target model.DeliveryTarget) (*Receipt, error) {
	if target.API == nil {
		return nil, errors.New("api target is missing")
	}
	t := target.API

	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, t.Endpoint, bytes.NewReader(file.Content))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build partner request")
	}
	req.Header.Set("Content-Type", file.ContentType)
	req.Header.Set("X-Batch-Id", file.BatchID)
	req.Header.Set("X-Batch-Number", file.BatchNumber)
	req.Header.Set("X-Batch-Checksum", file.Checksum)
	req.Header.Set("X-File-Name", file.Name)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, t.Endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("partner endpoint %s rejected the file with status %d: %s", t.Endpoint, resp.StatusCode, truncate(string(body), 512))
	}

	return &Receipt{
		Reference: confirmationRef(resp, body),
		Location:  t.Endpoint,
		BytesSent: file.Size(),
	}, nil
}

// confirmationRef picks up a partner reference from the response header or a JSON body.
func confirmationRef(resp *http.Response, body []byte) string {
	if ref := resp.Header.Get("X-Confirmation-Ref"); ref != "" {
		return ref
	}
	var parsed struct {
		Reference       string `json:"reference"`
		ConfirmationRef string `json:"confirmation_ref"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.ConfirmationRef != "" {
			return parsed.ConfirmationRef
		}
		return parsed.Reference
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
