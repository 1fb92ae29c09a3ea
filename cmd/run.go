package cmd

import (
	"github.com/interledger4j/ilpv4-connector-sub010/core"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector",
	Long:  `Runs the connector in the foreground until it receives SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		core.Bootstrap(configPath, logPath, verbose)
	},
	GroupID: "conn",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file")
	runCmd.Flags().BoolVarP(&state.DBG_log_packets, "lpacket", "p", false, "Write every switched packet to the console")
	runCmd.Flags().BoolVarP(&state.DBG_log_ccp, "lccp", "r", false, "Write route control and route updates to the console")
	runCmd.Flags().BoolVarP(&state.DBG_log_route_changes, "lrchange", "g", false, "Write static route changes to the console")
	runCmd.Flags().BoolVarP(&state.DBG_log_balances, "lbalance", "b", false, "Write balance changes to the console")
	runCmd.Flags().BoolVar(&state.DBG_debug, "pprof", false, "Serve pprof on :6060")
	runCmd.Flags().BoolVar(&state.DBG_trace, "trace", false, "Write a runtime trace to trace.out")
}
