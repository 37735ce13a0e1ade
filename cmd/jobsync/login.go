package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/jobsync/internal/models"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a session token for cloud sync",
	Long: `Login stores a token issued by your identity provider. The token is
sent with every remote request and mapped to your remote user on first use.`,
	Example: `  jobsync login --email user@example.com --auth-id 5f0c...
  JOBSYNC_TOKEN=ey... jobsync login --email user@example.com --auth-id 5f0c... --expires 1h`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Auth.Logout(); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Logged out")
		}
		return nil
	},
}

var (
	loginEmail   string
	loginAuthID  string
	loginToken   string
	loginExpires time.Duration
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Email address (required)")
	loginCmd.Flags().StringVar(&loginAuthID, "auth-id", "",
		"Identity-provider subject id (required)")
	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Session token (read from JOBSYNC_TOKEN or prompted if not provided)")
	loginCmd.Flags().DurationVar(&loginExpires, "expires", 0,
		"Token lifetime; zero never expires")

	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("auth-id")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginToken == "" {
		loginToken = os.Getenv("JOBSYNC_TOKEN")
	}
	if loginToken == "" {
		var err error
		loginToken, err = promptSecret("Session token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	info := models.TokenInfo{
		Token:  strings.TrimSpace(loginToken),
		Email:  loginEmail,
		AuthID: loginAuthID,
	}
	if loginExpires > 0 {
		info.ExpiresAt = time.Now().Add(loginExpires)
	}

	if err := apiClient.Auth.Login(info); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Login failed: %v", err)
		}
		return err
	}

	if apiClient.Offline() && !jsonOutput {
		printWarning("No remote store configured; the session is stored but sync stays offline")
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"email":   loginEmail,
		})
	} else {
		printSuccess("Successfully logged in as %s", loginEmail)
	}
	return nil
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no token given and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
