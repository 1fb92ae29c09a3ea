package cmd

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/core"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:     "routes",
	Aliases: []string{"r"},
	Short:   "Prints the routing table of a running connector",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		routes, err := core.NewAdminClient(adminUrl).Routes(ctx)
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		slices.SortFunc(routes, func(a, b core.RouteView) int {
			return strings.Compare(string(a.Prefix), string(b.Prefix))
		})
		for _, rt := range routes {
			kind := "learned"
			if rt.Static {
				kind = "static"
			}
			path := make([]string, len(rt.Path))
			for i, hop := range rt.Path {
				path[i] = string(hop)
			}
			fmt.Printf("%-40s via %-16s %-8s [%s]\n", rt.Prefix, rt.NextHop, kind, strings.Join(path, " "))
		}
	},
	GroupID: "conn",
}

var balanceCmd = &cobra.Command{
	Use:     "balance [account]",
	Aliases: []string{"b"},
	Short:   "Prints account balances of a running connector",
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client := core.NewAdminClient(adminUrl)

		var ids []state.AccountId
		if len(args) == 1 {
			ids = append(ids, state.AccountId(args[0]))
		} else {
			accounts, err := client.Accounts(ctx)
			if err != nil {
				fmt.Println("Error:", err.Error())
				return
			}
			for _, acct := range accounts {
				ids = append(ids, acct.Id)
			}
			slices.Sort(ids)
		}
		for _, id := range ids {
			bal, err := client.Balance(ctx, id)
			if err != nil {
				fmt.Printf("%-16s error: %s\n", id, err)
				continue
			}
			fmt.Printf("%-16s clearing %12d prepaid %12d\n", id, bal.Clearing, bal.Prepaid)
		}
	},
	GroupID: "conn",
}

func init() {
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(balanceCmd)
}
