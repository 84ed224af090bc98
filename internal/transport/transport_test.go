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
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/model"
	"github.com/jarcoal/httpmock"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func testFile() File {
	return File{
		Name:        "SUB_ACME_20240301_BATCH001.csv",
		Content:     []byte("txn_1,AC-001,1500.25\n"),
		ContentType: "text/csv",
		Checksum:    "abc123",
		BatchID:     "bat_1",
		BatchNumber: "BATCH-20240301-001",
	}
}

func TestTimeouts(t *testing.T) {
	timeouts := Timeouts(config.TransportConfig{
		SFTP:         config.SFTPConfig{TimeoutSec: 60},
		API:          config.APITransportConfig{TimeoutSec: 30},
		SMTP:         config.SMTPConfig{TimeoutSec: 45},
		CloudStorage: config.CloudStorageConfig{TimeoutSec: 90},
	})
	assert.Equal(t, 60*time.Second, timeouts[model.DeliveryMethodSFTP])
	assert.Equal(t, 30*time.Second, timeouts[model.DeliveryMethodAPI])
	assert.Equal(t, 45*time.Second, timeouts[model.DeliveryMethodEmail])
	assert.Equal(t, 90*time.Second, timeouts[model.DeliveryMethodCloudStorage])
}

func TestAPI_Send_Success(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("PUT", "https://partner.example.com/batches",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "abc123", req.Header.Get("X-Batch-Checksum"))
			assert.Equal(t, "BATCH-20240301-001", req.Header.Get("X-Batch-Number"))
			assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
			assert.Equal(t, "text/csv", req.Header.Get("Content-Type"))
			body, _ := io.ReadAll(req.Body)
			assert.Equal(t, "txn_1,AC-001,1500.25\n", string(body))
			return httpmock.NewStringResponse(201, `{"confirmation_ref":"PARTNER-77"}`), nil
		})

	api := NewAPIWithClient(client)
	receipt, err := api.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodAPI,
		API: &model.APITarget{
			Endpoint: "https://partner.example.com/batches",
			Method:   "put",
			Headers:  map[string]string{"Authorization": "Bearer token"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "PARTNER-77", receipt.Reference)
	assert.Equal(t, int64(21), receipt.BytesSent)
}

func TestAPI_Send_Non2xx(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://partner.example.com/batches",
		httpmock.NewStringResponder(422, `{"error":"bad layout"}`))

	api := NewAPIWithClient(client)
	_, err := api.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodAPI,
		API:    &model.APITarget{Endpoint: "https://partner.example.com/batches"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "bad layout")
}

func TestAPI_Send_ConnectionRefused(t *testing.T) {
	api := NewAPI(time.Second)
	_, err := api.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodAPI,
		API:    &model.APITarget{Endpoint: "http://127.0.0.1:1/batches"},
	})
	assert.Error(t, err)
}

func TestAPI_Send_MissingTarget(t *testing.T) {
	_, err := NewAPI(time.Second).Send(context.Background(), testFile(), model.DeliveryTarget{Method: model.DeliveryMethodAPI})
	assert.EqualError(t, err, "api target is missing")
}

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmail_Send(t *testing.T) {
	mailer := &fakeMailer{}
	e := &Email{cfg: config.SMTPConfig{Host: "smtp.example.com", From: "courier@example.com"}, sender: mailer}

	receipt, err := e.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodEmail,
		Email:  &model.EmailTarget{Address: "ops@partner.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mailto:ops@partner.com", receipt.Location)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"ops@partner.com"}, mailer.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Batch BATCH-20240301-001"}, mailer.sent[0].GetHeader("Subject"))
}

func TestEmail_Send_RelayError(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("535 authentication failed")}
	e := &Email{cfg: config.SMTPConfig{Host: "smtp.example.com"}, sender: mailer}

	_, err := e.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodEmail,
		Email:  &model.EmailTarget{Address: "ops@partner.com", Subject: "Daily file"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "535 authentication failed")
}

func TestEmail_Send_NoRelay(t *testing.T) {
	e := &Email{cfg: config.SMTPConfig{}, sender: &fakeMailer{}}
	_, err := e.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodEmail,
		Email:  &model.EmailTarget{Address: "ops@partner.com"},
	})
	assert.EqualError(t, err, "smtp host is not configured")
}

type fakeS3 struct {
	input *s3.PutObjectInput
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-1"`)}, nil
}

func TestCloudStorage_Send(t *testing.T) {
	fake := &fakeS3{}
	c := NewCloudStorageWithClient(fake)

	receipt, err := c.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method:       model.DeliveryMethodCloudStorage,
		CloudStorage: &model.CloudStorageTarget{Bucket: "partner-drop", KeyPrefix: "/inbound/"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://partner-drop/inbound/SUB_ACME_20240301_BATCH001.csv", receipt.Location)
	assert.Equal(t, "etag-1", receipt.Reference)
	assert.Equal(t, "partner-drop", *fake.input.Bucket)
	assert.Equal(t, "bat_1", fake.input.Metadata["batch-id"])
	assert.NotEmpty(t, *fake.input.ChecksumSHA256)
}

func TestCloudStorage_Send_Error(t *testing.T) {
	c := NewCloudStorageWithClient(&fakeS3{err: errors.New("AccessDenied")})
	_, err := c.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method:       model.DeliveryMethodCloudStorage,
		CloudStorage: &model.CloudStorageTarget{Bucket: "partner-drop"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "a.csv", ObjectKey("", "a.csv"))
	assert.Equal(t, "in/2024/a.csv", ObjectKey("/in/2024/", "a.csv"))
}

func TestSFTP_Send_ConnectionRefused(t *testing.T) {
	s := NewSFTP(config.SFTPConfig{Password: "secret", TimeoutSec: 1})
	_, err := s.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodSFTP,
		SFTP:   &model.SFTPTarget{Host: "127.0.0.1", Port: 1, Path: "/inbound", Username: "courier"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestSFTP_Send_NoCredentials(t *testing.T) {
	s := NewSFTP(config.SFTPConfig{})
	_, err := s.Send(context.Background(), testFile(), model.DeliveryTarget{
		Method: model.DeliveryMethodSFTP,
		SFTP:   &model.SFTPTarget{Host: "127.0.0.1", Path: "/inbound", Username: "courier"},
	})
	assert.EqualError(t, err, "no sftp credentials configured")
}

func TestSFTP_Upload(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	defer func() { _ = server.Close() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	remote, err := upload(client, "/inbound/acme", testFile())
	require.NoError(t, err)
	assert.Equal(t, "/inbound/acme/SUB_ACME_20240301_BATCH001.csv", remote)

	f, err := client.Open(remote)
	require.NoError(t, err)
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, testFile().Content, content)
}
