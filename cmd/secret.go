package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/interledger4j/ilpv4-connector-sub010/core"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new node key for sealing secrets",
	Run: func(cmd *cobra.Command, args []string) {
		key, err := state.GenerateSecretKey().MarshalText()
		if err != nil {
			panic(err)
		}
		fmt.Println(string(key))
	},
	GroupID: "init",
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seals a secret read from stdin with the key of the config",
	Long: `Reads one line from stdin and prints it sealed with the node key, ready to be
used as an auth secret in the config: secret: sealed:...`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := core.ReadConfig(configPath)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}
		ln, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && ln == "" {
			panic(err)
		}
		sealed, err := state.SealSecret([]byte(strings.TrimRight(ln, "\r\n")), cfg.Key)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}
		fmt.Println(string(sealed))
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(sealCmd)
}
