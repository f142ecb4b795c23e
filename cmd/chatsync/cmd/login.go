package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session token",
	Long: `Sign in with email and password. The token is stored in the state
directory so later commands reuse the session until it expires or you log out.

The password is read from --password, then $CHATSYNC_PASSWORD, then stdin.

Examples:
  chatsync login --email alice@example.com
  CHATSYNC_PASSWORD=secret chatsync login --email alice@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			password = os.Getenv("CHATSYNC_PASSWORD")
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client, closeClient, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeClient()

		user, err := client.Login(cmd.Context(), loginEmail, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("Signed in as %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeClient, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeClient()

		if _, ok := client.Credentials.Identity(); !ok {
			fmt.Println("Not signed in")
			return nil
		}
		if err := client.Logout(cmd.Context()); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Println("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeClient, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeClient()

		profile, ok := client.Profile()
		if !ok {
			fmt.Println("Not signed in")
			return nil
		}
		fmt.Printf("%s (%s)\n", profile.Username, profile.ID)
		if profile.Email != "" {
			fmt.Printf("  email:   %s\n", profile.Email)
		}
		fmt.Printf("  friends: %d\n", len(client.Friends()))
		fmt.Printf("  groups:  %d\n", len(client.Groups.List()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password")
	_ = loginCmd.MarkFlagRequired("email")
}
