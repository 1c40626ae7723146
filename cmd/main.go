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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/database"
	"github.com/neptunomedical/vigia/internal/notification"
)

// Vigia is the command-line interface wrapping the root Cobra command.
type Vigia struct {
	cmd *cobra.Command
}

// vigiaInstance carries the loaded configuration between commands. The
// datasource is opened on first use so that commands like `config` and
// `publish` run without a database.
type vigiaInstance struct {
	cnf *config.Configuration
	db  database.IDataSource
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file before any command runs.
func preRun(app *vigiaInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// datasource connects to the invoice store, notifying on failure.
func (app *vigiaInstance) datasource() (database.IDataSource, error) {
	if app.db != nil {
		return app.db, nil
	}
	db, err := database.NewDataSource(app.cnf)
	if err != nil {
		err = fmt.Errorf("error getting datasource: %v", err)
		notification.NotifyError(err)
		return nil, err
	}
	app.db = db
	return db, nil
}

// NewCLI creates the root command with the server, worker, publish,
// migrate and config subcommands.
func NewCLI() *Vigia {
	var configFile string
	app := &vigiaInstance{}

	var rootCmd = &cobra.Command{
		Use:   "vigia",
		Short: "Insurer portal session and lookup worker",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./vigia.json", "Configuration file for the vigia worker")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(publishCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Vigia{cmd: rootCmd}
}

func (v Vigia) executeCLI() {
	if err := v.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
