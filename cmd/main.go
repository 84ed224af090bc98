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
	"fmt"
	"os"

	"github.com/blnkfinance/courier"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/database"
	"github.com/blnkfinance/courier/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Courier represents the CLI application, encapsulating the root Cobra command.
type Courier struct {
	cmd *cobra.Command
}

// courierInstance holds the pipeline and its configuration for the subcommands.
type courierInstance struct {
	courier *courier.Courier
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration, then builds the pipeline unless the command is annotated
// with skip_setup.
func preRun(app *courierInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		if cmd.Annotations["skip_setup"] == "true" {
			return nil
		}

		app.courier, err = setupCourier(cnf)
		if err != nil {
			notification.NotifyError(err)
			return err
		}
		logrus.WithField("project", cnf.ProjectName).Debug("courier pipeline ready")
		return nil
	}
}

// setupCourier connects to the datasource and builds the pipeline on top of it.
func setupCourier(cfg *config.Configuration) (*courier.Courier, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %w", err)
	}

	newCourier, err := courier.NewCourier(db)
	if err != nil {
		return nil, fmt.Errorf("error creating courier: %w", err)
	}
	return newCourier, nil
}

// NewCLI creates the command-line interface with the start, workers, migrate and config commands.
func NewCLI() *Courier {
	var configFile string
	c := &courierInstance{}

	var rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Partner integration batch pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./courier.json", "Configuration file for courier")
	rootCmd.PersistentPreRunE = preRun(c, &configFile)

	rootCmd.AddCommand(serverCommands(c))
	rootCmd.AddCommand(workerCommands(c))
	rootCmd.AddCommand(migrateCommands(c))
	rootCmd.AddCommand(configCommands(c))

	return &Courier{cmd: rootCmd}
}

func (w Courier) executeCLI() {
	w.cmd.SilenceUsage = true
	if err := w.cmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
