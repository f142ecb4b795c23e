package cmd

import (
	"fmt"

	"github.com/nfrund/chatsync/internal/storage"
	"github.com/spf13/cobra"
)

var themeCmd = &cobra.Command{
	Use:       "theme [system|light|dark]",
	Short:     "Show or change the theme preference",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(storage.ThemeSystem), string(storage.ThemeLight), string(storage.ThemeDark)},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeClient, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer closeClient()

		if len(args) == 0 {
			fmt.Println(client.Theme())
			return nil
		}
		if err := client.SetTheme(cmd.Context(), storage.Theme(args[0])); err != nil {
			return err
		}
		fmt.Printf("Theme set to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(themeCmd)
}
