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

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/neptunomedical/vigia"
	"github.com/neptunomedical/vigia/database"
)

var migrations = migrate.EmbedFileSystemMigrationSource{
	FileSystem: vigia.SQLFiles,
	Root:       "sql",
}

// migrateCommands groups the invoice store schema commands.
func migrateCommands(app *vigiaInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run invoice store migrations",
	}

	cmd.AddCommand(migrateDirectionCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(app, "down", migrate.Down))
	cmd.AddCommand(migrateStatusCommand(app))

	return cmd
}

// migrateDirectionCommand applies or rolls back migrations. --steps limits
// how many are executed; zero means all.
func migrateDirectionCommand(app *vigiaInstance, use string, dir migrate.MigrationDirection) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			n, err := migrate.ExecMax(db, "postgres", migrations, dir, steps)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Executed %d migrations (%s)\n", n, use)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "maximum number of migrations to execute")
	return cmd
}

func migrateStatusCommand(app *vigiaInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "list applied migrations",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			records, err := migrate.GetMigrationRecords(db, "postgres")
			if err != nil {
				log.Printf("Error reading migration records: %v", err)
				return
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\n", r.Id, r.AppliedAt.Format("2006-01-02 15:04:05"))
			}
		},
	}
}
