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
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/courier/api"
	"github.com/blnkfinance/courier/config"
	trace "github.com/blnkfinance/courier/internal/traces"
	"github.com/caddyserver/certmagic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownGrace = 15 * time.Second

// certificates obtains ACME certificates for the configured domain through certmagic,
// falling back to localhost when no domain is set.
func certificates(ctx context.Context, conf config.ServerConfig) (*tls.Config, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	magic := certmagic.NewDefault()
	magic.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domain := conf.Domain
	if domain == "" {
		logrus.Warn("no domain configured for TLS, using localhost")
		domain = "localhost"
	}
	if err := magic.ManageSync(ctx, []string{domain}); err != nil {
		return nil, fmt.Errorf("obtaining certificate for %s: %w", domain, err)
	}
	return magic.TLSConfig(), nil
}

func initializeTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// initializeObservability starts tracing when telemetry is enabled and returns its shutdown hook.
func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	return initializeTracing(ctx, cfg.ProjectName)
}

// newHTTPServer builds the operator API server, with certmagic TLS when SSL is on.
func newHTTPServer(ctx context.Context, c *courierInstance) (*http.Server, error) {
	server := &http.Server{
		Addr:              ":" + c.cnf.Server.Port,
		Handler:           api.NewAPI(c.courier).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if c.cnf.Server.SSL {
		tlsConfig, err := certificates(ctx, c.cnf.Server)
		if err != nil {
			return nil, err
		}
		server.TLSConfig = tlsConfig
	}
	return server, nil
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			logrus.Infof("serving HTTPS on %s", server.Addr)
			err = server.ListenAndServeTLS("", "")
		} else {
			logrus.Infof("serving HTTP on %s", server.Addr)
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// serverCommands returns the command that serves the operator API.
func serverCommands(c *courierInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start courier server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeObservability(ctx, c.cnf)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logrus.Errorf("error during telemetry shutdown: %v", err)
				}
			}()

			server, err := newHTTPServer(ctx, c)
			if err != nil {
				return err
			}
			return serve(ctx, server)
		},
	}
}
