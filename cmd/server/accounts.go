package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/identity"
	"github.com/atinyakov/GophBroker/internal/service"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage administrator accounts",
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var accountPassword string

var adminCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an administrator",
	Long: `Create an administrator.

The password is taken from --password or the GOPHBROKER_PASSWORD
environment variable. An existing username is reported and left unchanged.

Example:
  gophbroker admin create root --password s3cret -d postgres://...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAccounts(func(auth *service.AuthService) error {
			created, err := auth.EnsureAdmin(cmd.Context(), args[0], password())
			if err != nil {
				return err
			}
			reportAccount(cmd, "admin", args[0], created)
			return nil
		})
	},
}

var userProfile service.RegisterInput

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user",
	Long: `Create a user.

The password is taken from --password or the GOPHBROKER_PASSWORD
environment variable. An existing username is reported and left unchanged.

Example:
  gophbroker user create alice --firstname Alice --lastname Smith --password s3cret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := userProfile
		in.Username = args[0]
		in.Password = password()
		return withAccounts(func(auth *service.AuthService) error {
			created, err := auth.EnsureUser(cmd.Context(), in)
			if err != nil {
				return err
			}
			reportAccount(cmd, "user", args[0], created)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{adminCreateCmd, userCreateCmd} {
		c.Flags().StringVar(&accountPassword, "password", "", "account password")
	}
	userCreateCmd.Flags().StringVar(&userProfile.Firstname, "firstname", "", "first name")
	userCreateCmd.Flags().StringVar(&userProfile.Lastname, "lastname", "", "last name")
	userCreateCmd.Flags().StringVar(&userProfile.Email, "email", "", "email address")
	userCreateCmd.Flags().StringVar(&userProfile.Position, "position", "", "job position")

	adminCmd.AddCommand(adminCreateCmd)
	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(userCmd)
}

func password() string {
	if accountPassword != "" {
		return accountPassword
	}
	return os.Getenv("GOPHBROKER_PASSWORD")
}

// withAccounts runs fn against an AuthService on the configured database.
func withAccounts(fn func(*service.AuthService) error) error {
	opts, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if opts.DatabaseDSN == "" {
		return errNoDatabase
	}
	store, err := openBackend(opts, opts.MigrateOnStart, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return fn(accountService(store, opts, log))
}

func accountService(store *backend, opts *config.Options, log *zap.Logger) *service.AuthService {
	deps := service.Deps{Store: store.Store, Tx: store.Tx, Log: log}
	return service.NewAuthService(deps, identity.NewJWTService(opts.JWTSigningKey, opts.TokenTTL))
}

func reportAccount(cmd *cobra.Command, kind, username string, created bool) {
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %q created\n", kind, username)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %q already exists\n", kind, username)
}
