package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	itemsync "github.com/itemsync/itemsync-go"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Log in and store the token locally",
	Long:  "Exchange credentials for a bearer token. The token is kept in the local state store and sent with every request.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		token, err := s.engine.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fileCfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fileCfg.Auth.Username = username
		if err := saveConfig(fileCfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s.\n", username)
		if exp, err := itemsync.TokenExpiry(token); err == nil {
			fmt.Printf("Token expires %s.\n", exp.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Cache().SaveToken(ctx, ""); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
