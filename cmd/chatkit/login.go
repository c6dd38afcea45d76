package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store the bearer token used for API and realtime access",
	Long:  "Store the Drivana session token in ~/.chatkit/config.toml.\nThe token is sent as an Authorization bearer header and in the\nrealtime connect handshake.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = args[0]
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Token saved.")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("No token stored.")
			return nil
		}
		cfg.Auth.Token = ""
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Token removed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
