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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"COURIER_SERVER_SSL"`
	SecretKey string `json:"secret_key" envconfig:"COURIER_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"COURIER_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"COURIER_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"COURIER_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns             string `json:"dns" envconfig:"COURIER_DATA_SOURCE_DNS"`
	MaxOpenConns    int    `json:"max_open_conns" envconfig:"COURIER_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" envconfig:"COURIER_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_sec" envconfig:"COURIER_DATA_SOURCE_CONN_MAX_LIFETIME_SEC"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"COURIER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"COURIER_REDIS_SKIP_TLS_VERIFY"`
	PoolSize      int    `json:"pool_size" envconfig:"COURIER_REDIS_POOL_SIZE"`
}

type QueueConfig struct {
	TaskRunQueue      string `json:"task_run_queue" envconfig:"COURIER_QUEUE_TASK_RUN"`
	WebhookQueue      string `json:"webhook_queue" envconfig:"COURIER_QUEUE_WEBHOOK"`
	NotificationQueue string `json:"notification_queue" envconfig:"COURIER_QUEUE_NOTIFICATION"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"COURIER_QUEUE_MONITORING_PORT"`
}

// SchedulerConfig drives the tick loop and the worker pool that executes due tasks.
type SchedulerConfig struct {
	TickIntervalSec     int  `json:"tick_interval_sec" envconfig:"COURIER_SCHEDULER_TICK_INTERVAL_SEC"`
	WorkerPoolSize      int  `json:"worker_pool_size" envconfig:"COURIER_SCHEDULER_WORKER_POOL_SIZE"`
	LockTTLSec          int  `json:"lock_ttl_sec" envconfig:"COURIER_SCHEDULER_LOCK_TTL_SEC"`
	StaleMultiplier     int  `json:"stale_multiplier" envconfig:"COURIER_SCHEDULER_STALE_MULTIPLIER"`
	SkipRecovery        bool `json:"skip_recovery" envconfig:"COURIER_SCHEDULER_SKIP_RECOVERY"`
	RunTimeoutMin       int  `json:"run_timeout_min" envconfig:"COURIER_SCHEDULER_RUN_TIMEOUT_MIN"`
	RegistryCacheTTLSec int  `json:"registry_cache_ttl_sec" envconfig:"COURIER_SCHEDULER_REGISTRY_CACHE_TTL_SEC"`
}

type SFTPConfig struct {
	TimeoutSec     int    `json:"timeout_sec" envconfig:"COURIER_SFTP_TIMEOUT_SEC"`
	Password       string `json:"password" envconfig:"COURIER_SFTP_PASSWORD"`
	PrivateKeyPath string `json:"private_key_path" envconfig:"COURIER_SFTP_PRIVATE_KEY_PATH"`
	KnownHostsPath string `json:"known_hosts_path" envconfig:"COURIER_SFTP_KNOWN_HOSTS_PATH"`
}

type APITransportConfig struct {
	TimeoutSec int `json:"timeout_sec" envconfig:"COURIER_API_TIMEOUT_SEC"`
}

type SMTPConfig struct {
	TimeoutSec int    `json:"timeout_sec" envconfig:"COURIER_SMTP_TIMEOUT_SEC"`
	Host       string `json:"host" envconfig:"COURIER_SMTP_HOST"`
	Port       int    `json:"port" envconfig:"COURIER_SMTP_PORT"`
	Username   string `json:"username" envconfig:"COURIER_SMTP_USERNAME"`
	Password   string `json:"password" envconfig:"COURIER_SMTP_PASSWORD"`
	From       string `json:"from" envconfig:"COURIER_SMTP_FROM"`
}

type CloudStorageConfig struct {
	TimeoutSec         int    `json:"timeout_sec" envconfig:"COURIER_S3_TIMEOUT_SEC"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"COURIER_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"COURIER_AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"COURIER_S3_ENDPOINT"`
	S3Region           string `json:"s3_region" envconfig:"COURIER_S3_REGION"`
}

type TransportConfig struct {
	SFTP         SFTPConfig         `json:"sftp"`
	API          APITransportConfig `json:"api"`
	SMTP         SMTPConfig         `json:"smtp"`
	CloudStorage CloudStorageConfig `json:"cloud_storage"`
}

type BatchConfig struct {
	ArchiveDir       string `json:"archive_dir" envconfig:"COURIER_BATCH_ARCHIVE_DIR"`
	DefaultBatchSize int    `json:"default_batch_size" envconfig:"COURIER_BATCH_DEFAULT_SIZE"`
}

type AckPollerConfig struct {
	Enabled         bool `json:"enabled" envconfig:"COURIER_ACK_POLLER_ENABLED"`
	PollIntervalSec int  `json:"poll_interval_sec" envconfig:"COURIER_ACK_POLLER_INTERVAL_SEC"`
	BatchLimit      int  `json:"batch_limit" envconfig:"COURIER_ACK_POLLER_BATCH_LIMIT"`
	MonitorEveryMin int  `json:"monitor_every_min" envconfig:"COURIER_ACK_POLLER_MONITOR_EVERY_MIN"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"COURIER_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"COURIER_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"COURIER_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"COURIER_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"COURIER_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"COURIER_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"COURIER_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Scheduler       SchedulerConfig  `json:"scheduler"`
	Transport       TransportConfig  `json:"transport"`
	Batch           BatchConfig      `json:"batch"`
	AckPoller       AckPollerConfig  `json:"ack_poller"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("courier", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called courier.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Courier"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setSchedulerDefaults()
	cnf.setTransportDefaults()

	if cnf.Batch.DefaultBatchSize <= 0 {
		cnf.Batch.DefaultBatchSize = 100
	}
	if cnf.AckPoller.PollIntervalSec <= 0 {
		cnf.AckPoller.PollIntervalSec = 300
	}
	if cnf.AckPoller.BatchLimit <= 0 {
		cnf.AckPoller.BatchLimit = 50
	}
	if cnf.AckPoller.MonitorEveryMin <= 0 {
		cnf.AckPoller.MonitorEveryMin = 15
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.TaskRunQueue == "" {
		cnf.Queue.TaskRunQueue = "task_runs"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook_queue"
	}
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "notifications"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5005"
	}
}

func (cnf *Configuration) setSchedulerDefaults() {
	if cnf.Scheduler.TickIntervalSec <= 0 {
		cnf.Scheduler.TickIntervalSec = 30
	}
	if cnf.Scheduler.WorkerPoolSize <= 0 {
		cnf.Scheduler.WorkerPoolSize = 10
	}
	if cnf.Scheduler.LockTTLSec <= 0 {
		cnf.Scheduler.LockTTLSec = cnf.Scheduler.TickIntervalSec
	}
	if cnf.Scheduler.StaleMultiplier <= 0 {
		cnf.Scheduler.StaleMultiplier = 2
	}
	if cnf.Scheduler.RegistryCacheTTLSec <= 0 {
		cnf.Scheduler.RegistryCacheTTLSec = 30
	}
	if cnf.Scheduler.RunTimeoutMin <= 0 {
		cnf.Scheduler.RunTimeoutMin = 30
	}
}

func (cnf *Configuration) setTransportDefaults() {
	if cnf.Transport.SFTP.TimeoutSec <= 0 {
		cnf.Transport.SFTP.TimeoutSec = 60
	}
	if cnf.Transport.API.TimeoutSec <= 0 {
		cnf.Transport.API.TimeoutSec = 30
	}
	if cnf.Transport.SMTP.TimeoutSec <= 0 {
		cnf.Transport.SMTP.TimeoutSec = 60
	}
	if cnf.Transport.SMTP.Port == 0 {
		cnf.Transport.SMTP.Port = 587
	}
	if cnf.Transport.CloudStorage.TimeoutSec <= 0 {
		cnf.Transport.CloudStorage.TimeoutSec = 60
	}
}

// StaleThreshold is how long a batch may sit in PROCESSING before an operator can force-fail it.
func (cnf *Configuration) StaleThreshold() time.Duration {
	longest := cnf.Transport.SFTP.TimeoutSec
	for _, t := range []int{cnf.Transport.API.TimeoutSec, cnf.Transport.SMTP.TimeoutSec, cnf.Transport.CloudStorage.TimeoutSec} {
		if t > longest {
			longest = t
		}
	}
	return time.Duration(longest*cnf.Scheduler.StaleMultiplier) * time.Second
}

// RunTimeout bounds a single task run on the worker pool.
func (cnf *Configuration) RunTimeout() time.Duration {
	return time.Duration(cnf.Scheduler.RunTimeoutMin) * time.Minute
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
