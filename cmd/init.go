package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [operator address]",
	Short: "Create a connector configuration",
	Long: `Writes a new config with a freshly generated node key and a single ping account.
The operator address is the ILP address of the new connector, e.g. g.acme.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		addr, err := protocol.ParseAddress(args[0])
		if err != nil {
			fmt.Printf("Invalid operator address: %v\n", err)
			os.Exit(-1)
		}
		ilpPort, _ := strconv.Atoi(cmd.Flag("port").Value.String())
		adminPort, _ := strconv.Atoi(cmd.Flag("admin-port").Value.String())
		asset := cmd.Flag("asset").Value.String()

		cfg := state.ConnectorCfg{
			Id:              addr.Segments()[len(addr.Segments())-1],
			Key:             state.GenerateSecretKey(),
			OperatorAddress: addr,
			GlobalPrefix:    protocol.Address(addr.Scheme()),
			IlpBind:         fmt.Sprintf("0.0.0.0:%d", ilpPort),
			AdminBind:       fmt.Sprintf("127.0.0.1:%d", adminPort),
			DataDir:         cmd.Flag("data").Value.String(),
			Accounts: []state.AccountSettings{
				{
					Id:           "ping",
					Relationship: state.Child,
					AssetCode:    asset,
					AssetScale:   9,
					LinkType:     state.LinkPing,
				},
			},
		}
		check := cfg
		state.ExpandConfig(&check)
		if err := state.ConfigValidator(&check); err != nil {
			fmt.Printf("Invalid config: %v\n", err)
			os.Exit(-1)
		}

		out, err := yaml.Marshal(&cfg)
		if err != nil {
			panic(err)
		}
		err = os.WriteFile(cmd.Flag("output").Value.String(), out, 0600)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", DefaultConfigPath, "Where to write the config")
	initCmd.Flags().IntP("port", "p", state.DefaultIlpPort, "ILP-over-HTTP listen port")
	initCmd.Flags().Int("admin-port", state.DefaultAdminPort, "Admin api listen port, bound to localhost")
	initCmd.Flags().String("asset", "XRP", "Asset code of the ping account")
	initCmd.Flags().StringP("data", "d", "data", "Directory for the connector database")
}
