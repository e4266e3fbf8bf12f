/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/db"
	"github.com/scopedauth/apiserver/internal/events"
	"github.com/scopedauth/apiserver/internal/services"
	"github.com/scopedauth/apiserver/internal/store"
	"github.com/scopedauth/apiserver/types"
)

var useraddOpts struct {
	username      string
	password      string
	passwordStdin bool
	email         string
	fullName      string
	scopes        string
	disabled      bool
}

// useraddCmd creates an account directly in the database, e.g. the first admin.
var useraddCmd = &cobra.Command{
	Use:   "useradd",
	Short: "Create an account with explicit scopes",
	Long: `Create an account with explicit scopes. Usage:

	apiserver useradd --username admin --password-stdin --scopes "user admin"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		password := useraddOpts.password
		if useraddOpts.passwordStdin {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		in := types.NewUser{
			Username: useraddOpts.username,
			Password: password,
			Disabled: useraddOpts.disabled,
			Scopes:   types.ParseScopes(useraddOpts.scopes),
		}
		if cmd.Flags().Changed("email") {
			in.Email = &useraddOpts.email
		}
		if cmd.Flags().Changed("full-name") {
			in.FullName = &useraddOpts.fullName
		}

		manager := db.NewManager(cfg, log)
		if err := manager.Initialize(cmd.Context()); err != nil {
			return err
		}
		defer func() { _ = manager.Shutdown() }()
		conn, err := manager.DB()
		if err != nil {
			return err
		}

		accounts := services.NewAccountService(store.NewUserRepository(conn, log), events.Noop{}, log)
		user, err := accounts.Create(cmd.Context(), in)
		if err != nil {
			return err
		}

		log.Info("user created", zap.Int64("user_id", user.ID), zap.String("username", user.Username), zap.Stringer("scopes", user.Scopes))
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", user.ID, user.Username, user.Scopes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(useraddCmd)

	f := useraddCmd.Flags()
	f.StringVar(&useraddOpts.username, "username", "", "login name")
	f.StringVar(&useraddOpts.password, "password", "", "plaintext password")
	f.BoolVar(&useraddOpts.passwordStdin, "password-stdin", false, "read the password from stdin")
	f.StringVar(&useraddOpts.email, "email", "", "email address")
	f.StringVar(&useraddOpts.fullName, "full-name", "", "display name")
	f.StringVar(&useraddOpts.scopes, "scopes", types.DefaultScope, "space-separated scopes")
	f.BoolVar(&useraddOpts.disabled, "disabled", false, "create the account disabled")
	_ = useraddCmd.MarkFlagRequired("username")
	useraddCmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
}
