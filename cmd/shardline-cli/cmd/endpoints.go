package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/buildwithgrove/shardline/qos"
)

// endpointsCmd probes the configured endpoints and lists them in selection order.
var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Probe the configured endpoints and list them in selection order",
	Long: `Resolves an active endpoint, probing every candidate when needed,
then prints the state of each endpoint: the first one listed serves the next request.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ledgerClient, _, err := loadClient()
		if err != nil {
			return err
		}
		defer ledgerClient.Close()

		active, err := ledgerClient.Network.Resolve(cmd.Context())
		if err != nil {
			color.Red("❌ No endpoint is reachable: %v", err)
		} else {
			color.Green("🌿 Active endpoint: %s", active.Addr)
		}

		if networkTime := ledgerClient.Network.NetworkTime(); networkTime > 0 {
			color.Cyan("⏱️  Network time: %s", time.Unix(int64(networkTime), 0).UTC().Format(time.RFC3339))
		}
		fmt.Println()

		for i, endpoint := range ledgerClient.Network.Endpoints() {
			printEndpoint(i+1, endpoint)
		}
		return err
	},
}

func printEndpoint(rank int, endpoint qos.Endpoint) {
	status := endpoint.Status.String()
	switch {
	case endpoint.Demoted:
		status = color.YellowString("%s (demoted)", status)
	case endpoint.Status == qos.StatusHealthy:
		status = color.GreenString(status)
	case endpoint.Status == qos.StatusUnreachable:
		status = color.RedString(status)
	}

	fmt.Printf("%d. %s\n", rank, endpoint.Addr)
	fmt.Printf("   status: %s\n", status)
	if endpoint.Latency > 0 {
		fmt.Printf("   latency: %s\n", endpoint.Latency.Round(time.Millisecond))
	}
	if endpoint.MaxBlockTime > 0 {
		fmt.Printf("   last block: %s\n", time.Unix(int64(endpoint.MaxBlockTime), 0).UTC().Format(time.RFC3339))
	}
	if endpoint.LastError != "" {
		fmt.Printf("   last error: %s\n", color.RedString(endpoint.LastError))
	}
}
