package main

import (
	"fmt"
	"time"

	"Mansoor88-6/dose-tracker/internal/repository"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage this device's identity",
}

var deviceTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a freshly signed device token",
	Long: `Print a JWT signed with this device's key. The token carries its public
key in the header and is accepted by the item API and the sync server.

Examples:
  curl -H "Authorization: Bearer $(dose-tracker device token)" localhost:8080/api/v1/items`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		identity, err := loadIdentity(cmd.Context(), repository.NewDeviceRepository(db.DB))
		if err != nil {
			return err
		}

		token, err := identity.Token(time.Now(), cfg.Auth.TokenLifetime)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceTokenCmd)
}
