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
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/blnkfinance/courier"
	"github.com/blnkfinance/courier/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const migrationSchema = "courier"

// migrateCommands groups the schema commands. They connect on their own and skip the courier setup,
// so they work against an empty database.
func migrateCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run courier database migrations",
	}

	up := &cobra.Command{
		Use:         "up",
		Short:       "apply every pending migration",
		Annotations: map[string]string{"skip_setup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(c, func(db *sql.DB) error {
				n, err := migrate.Exec(db, "postgres", migrationSource(), migrate.Up)
				if err != nil {
					return fmt.Errorf("applying migrations: %w", err)
				}
				logrus.Infof("applied %d migrations", n)
				return nil
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:         "down",
		Short:       "roll back the latest migrations",
		Annotations: map[string]string{"skip_setup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return withMigrationDB(c, func(db *sql.DB) error {
				n, err := migrate.ExecMax(db, "postgres", migrationSource(), migrate.Down, steps)
				if err != nil {
					return fmt.Errorf("rolling back migrations: %w", err)
				}
				logrus.Infof("rolled back %d migrations", n)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:         "status",
		Short:       "list embedded migrations and when they were applied",
		Annotations: map[string]string{"skip_setup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationDB(c, func(db *sql.DB) error {
				return printMigrationStatus(db)
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: courier.SQLFiles,
		Root:       "sql",
	}
}

func withMigrationDB(c *courierInstance, fn func(db *sql.DB) error) error {
	db, err := database.ConnectDB(c.cnf.DataSource)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	migrate.SetSchema(migrationSchema)
	return fn(db)
}

func printMigrationStatus(db *sql.DB) error {
	migrations, err := migrationSource().FindMigrations()
	if err != nil {
		return err
	}
	records, err := migrate.GetMigrationRecords(db, "postgres")
	if err != nil {
		return err
	}
	applied := make(map[string]string, len(records))
	for _, r := range records {
		applied[r.Id] = r.AppliedAt.Format("2006-01-02 15:04:05")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MIGRATION\tAPPLIED AT")
	for _, m := range migrations {
		at, ok := applied[m.Id]
		if !ok {
			at = "pending"
		}
		fmt.Fprintf(w, "%s\t%s\n", m.Id, at)
	}
	return w.Flush()
}
