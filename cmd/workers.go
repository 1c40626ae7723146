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
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/neptunomedical/vigia"
	"github.com/neptunomedical/vigia/config"
	"github.com/neptunomedical/vigia/database"
	"github.com/neptunomedical/vigia/internal/broker"
	pg_listener "github.com/neptunomedical/vigia/internal/pg-listener"
	"github.com/neptunomedical/vigia/model"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeWorkerServer builds the asynq server. Concurrency is one: a
// single browser session serves every task.
func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	redisOption, err := vigia.RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{conf.Queue.LookupQueue: 1},
			Logger:      logrus.StandardLogger(),
		},
	), nil
}

func startMonitoring(conf *config.Configuration) {
	redisOption, err := vigia.RedisClientOpt(conf)
	if err != nil {
		logrus.WithError(err).Warn("monitoring disabled")
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
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// watchPortalRegistry refreshes the worker's portal descriptors when the
// registry tables change.
func watchPortalRegistry(ctx context.Context, conf *config.Configuration, w *vigia.LookupWorker) {
	listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
		PgConnStr: conf.DataSource.Dns,
		Channel:   database.PortalRegistryChannel,
	}, w)
	go func() {
		if err := listener.Start(ctx); err != nil {
			logrus.WithError(err).Warn("portal registry listener stopped")
		}
	}()
}

func runAsynqWorker(conf *config.Configuration, w *vigia.LookupWorker) error {
	srv, err := initializeWorkerServer(conf)
	if err != nil {
		return err
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(conf.Queue.LookupQueue, w.HandleLookupBatch)

	startMonitoring(conf)
	return srv.Run(mux)
}

func runAMQPWorker(ctx context.Context, b *broker.Broker, w *vigia.LookupWorker) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return b.Consume(ctx, func(ctx context.Context, batch *model.LookupBatch) error {
		_, err := w.ProcessBatch(ctx, batch)
		return err
	})
}

// workerCommands defines the "workers" command: it consumes lookup batches
// from the configured transport and resolves them against insurer portals.
func workerCommands(app *vigiaInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the lookup worker",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := app.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			db, err := app.datasource()
			if err != nil {
				log.Fatal(err)
			}

			out, err := newTransport(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer out.Close()

			w, err := vigia.NewLookupWorker(db, vigia.WithPublisher(out))
			if err != nil {
				log.Fatal(err)
			}
			if err := w.Open(ctx); err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := w.Close(context.Background()); err != nil {
					logrus.WithError(err).Warn("closing browser")
				}
			}()

			listenCtx, stopListening := context.WithCancel(ctx)
			defer stopListening()
			watchPortalRegistry(listenCtx, conf, w)

			if b, ok := out.(*broker.Broker); ok {
				err = runAMQPWorker(ctx, b, w)
			} else {
				err = runAsynqWorker(conf, w)
			}
			if err != nil {
				logrus.WithError(err).Error("worker stopped")
			}
		},
	}

	return cmd
}
