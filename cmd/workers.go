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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/courier"
	"github.com/blnkfinance/courier/config"
	pg_listener "github.com/blnkfinance/courier/internal/pg-listener"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights the task run queue above webhooks and notifications.
func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.TaskRunQueue:      6,
		conf.Queue.WebhookQueue:      3,
		conf.Queue.NotificationQueue: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := courier.RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	concurrency := conf.Scheduler.WorkerPoolSize
	if concurrency <= 0 {
		concurrency = 1
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithField("type", task.Type()).Errorf("worker task failed: %v", err)
		}),
	}), nil
}

func initializeTaskHandlers(c *courierInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(c.cnf.Queue.TaskRunQueue, c.courier.ProcessTaskRun)
	mux.HandleFunc(c.cnf.Queue.WebhookQueue, courier.ProcessWebhook)
	mux.HandleFunc(c.cnf.Queue.NotificationQueue, c.courier.ProcessNotification)
}

// startMonitoring serves asynqmon so operators can inspect the worker queues.
func startMonitoring(conf *config.Configuration) {
	redisOption, err := courier.RedisClientOpt(conf)
	if err != nil {
		logrus.Errorf("asynqmon disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			logrus.Errorf("could not start asynqmon server: %v", err)
		}
	}()
}

// startRegistryListener evicts cached partner configs when the registry table changes.
func startRegistryListener(ctx context.Context, c *courierInstance) {
	listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
		PgConnStr: c.cnf.DataSource.Dns,
		Channel:   pg_listener.RegistryChannel,
		Interval:  90 * time.Second,
		Timeout:   time.Minute,
	}, courier.NewRegistryInvalidator(c.courier))

	go func() {
		if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("registry listener stopped: %v", err)
		}
	}()
}

// startProcessors runs the scheduler tick loop, the acknowledgement poller and the batch monitor.
// The scheduler recovers interrupted runs before its first tick.
func startProcessors(ctx context.Context, c *courierInstance) func() {
	scheduler := courier.NewScheduler(c.courier)
	scheduler.Start(ctx)

	monitor := courier.NewBatchMonitor(c.courier)
	monitor.Start(ctx)

	stops := []func(){scheduler.Stop, monitor.Stop}
	if c.cnf.AckPoller.Enabled {
		poller := courier.NewAckPoller(c.courier)
		poller.Start(ctx)
		stops = append(stops, poller.Stop)
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// workerCommands defines the "workers" command: the asynq worker pool plus the background
// processors that feed it.
func workerCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start courier workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			shutdown, err := initializeObservability(ctx, c.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(c.cnf, initializeQueues(c.cnf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(c, mux)

			startMonitoring(c.cnf)
			startRegistryListener(ctx, c)
			stopProcessors := startProcessors(ctx, c)
			defer stopProcessors()

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}

			<-ctx.Done()
			logrus.Info("shutting down workers")
			srv.Shutdown()
		},
	}

	return cmd
}
