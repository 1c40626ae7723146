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

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neptunomedical/vigia/api"
	"github.com/neptunomedical/vigia/config"
	redis_db "github.com/neptunomedical/vigia/internal/redis-db"
	trace "github.com/neptunomedical/vigia/internal/traces"
)

/*
serveTLS starts an HTTPS server with certificates managed by CertMagic.
Without a configured domain it serves localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}

	return nil
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName, cfg.OtelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	return initializeTracing(ctx, cfg)
}

// healthRedis returns a client for the health check, or nil when Redis is
// unreachable or not part of the deployment.
func healthRedis(cfg *config.Configuration) redis.UniversalClient {
	if cfg.Redis.Dns == "" {
		return nil
	}
	client, err := redis_db.NewRedisClient(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		logrus.WithError(err).Warn("redis health check disabled")
		return nil
	}
	return client.Client()
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the `start` command serving the ingestion API.
func serverCommands(app *vigiaInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the ingestion API",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			cfg := app.cnf

			shutdown, err := initializeObservability(ctx, cfg)
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

			out, err := newTransport(ctx, cfg)
			if err != nil {
				log.Fatal(err)
			}
			defer out.Close()

			router := api.NewAPI(out, db, healthRedis(cfg)).Router()
			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
