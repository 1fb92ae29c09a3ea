package cmd

import (
	"fmt"
	"os"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/spf13/cobra"
)

const DefaultConfigPath = "connector.yaml"

var (
	configPath = DefaultConfigPath
	adminUrl   = fmt.Sprintf("http://127.0.0.1:%d", state.DefaultAdminPort)
)

var rootCmd = &cobra.Command{
	Use:   "connector",
	Short: "Interledger v4 connector",
	Long: `An Interledger v4 connector.
It forwards ILP packets between its accounts, keeps their balances, exchanges routes with its peers over CCP and triggers settlements.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Set up a connector",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "conn",
		Title: "Connector Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to the connector config")
	rootCmd.PersistentFlags().StringVarP(&adminUrl, "admin", "a", adminUrl, "base url of the admin api of a running connector")
}
