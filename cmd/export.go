/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scopedauth/apiserver/internal/db"
	"github.com/scopedauth/apiserver/internal/services"
	"github.com/scopedauth/apiserver/internal/storage"
	"github.com/scopedauth/apiserver/internal/store"
)

var (
	exportPrefix string
	exportRetain int
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data to object storage",
}

var exportUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Write a JSON-lines snapshot of all accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		st, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer func() { _ = st.Close() }()

		manager := db.NewManager(cfg, log)
		if err := manager.Initialize(cmd.Context()); err != nil {
			return err
		}
		defer func() { _ = manager.Shutdown() }()
		conn, err := manager.DB()
		if err != nil {
			return err
		}

		exporter := services.NewDirectoryExporter(store.NewUserRepository(conn, log), st, log)
		exporter.Retain = exportRetain
		manifest, err := exporter.Export(cmd.Context(), exportPrefix)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportUsersCmd)

	exportUsersCmd.Flags().StringVar(&exportPrefix, "prefix", "exports/users", "object key prefix")
	exportUsersCmd.Flags().IntVar(&exportRetain, "retain", 0, "number of snapshots to keep under the prefix (0 keeps all)")
}
