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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/model"
	"github.com/pkg/errors"
)

// ObjectPutter is the part of the S3 client the transport needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// CloudStorage writes the file to key_prefix/file_name in the target bucket.
type CloudStorage struct {
	client ObjectPutter
}

func NewCloudStorage(ctx context.Context, cfg config.CloudStorageConfig) (*CloudStorage, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.AwsAccessKeyId != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &CloudStorage{client: client}, nil
}

func NewCloudStorageWithClient(client ObjectPutter) *CloudStorage {
	return &CloudStorage{client: client}
}

func (c *CloudStorage) Send(ctx context.Context, file File, target model.DeliveryTarget) (*Receipt, error) {
	if target.CloudStorage == nil {
		return nil, errors.New("cloud storage target is missing")
	}
	t := target.CloudStorage

	key := ObjectKey(t.KeyPrefix, file.Name)
	sum := sha256.Sum256(file.Content)

	input := &s3.PutObjectInput{
		Bucket:            aws.String(t.Bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(file.Content),
		ContentLength:     aws.Int64(file.Size()),
		ContentType:       aws.String(file.ContentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			"batch-id":     file.BatchID,
			"batch-number": file.BatchNumber,
		},
	}

	out, err := c.client.PutObject(ctx, input, func(o *s3.Options) {
		if t.Region != "" {
			o.Region = t.Region
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to put s3://%s/%s", t.Bucket, key)
	}

	receipt := &Receipt{Location: fmt.Sprintf("s3://%s/%s", t.Bucket, key), BytesSent: file.Size()}
	if out != nil && out.ETag != nil {
		receipt.Reference = strings.Trim(*out.ETag, `"`)
	}
	return receipt, nil
}

// ObjectKey joins the prefix and file name without leading slashes.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Base(name)
	}
	return prefix + "/" + path.Base(name)
}
