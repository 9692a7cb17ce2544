package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/ibmcast/internal/httputil"
)

const defaultEndpoint = "http://localhost:9470"

type portsResponse struct {
	Ports []struct {
		Port       string `json:"port"`
		QueueDepth int    `json:"queue_depth"`
		Joins      int    `json:"joins"`
		Closing    bool   `json:"closing"`
		Groups     []struct {
			Group  string `json:"group"`
			State  string `json:"state"`
			Users  int    `json:"users"`
			Queued int    `json:"queued"`
			Record *struct {
				MLID string `json:"mlid"`
			} `json:"record"`
		} `json:"groups"`
	} `json:"ports"`
}

func newPortsCmd() *cobra.Command {
	var (
		endpoint string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show coordinator state of a running daemon",
		Long: `Query a running ibmcastd over its admin API and print every port with
its multicast groups.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			url := strings.TrimRight(endpoint, "/") + "/api/v1/ports"
			client := httputil.NewClient(httputil.ClientConfig{Timeout: timeout})

			var body portsResponse
			if err := httputil.GetJSON(ctx, client, url, &body); err != nil {
				return fmt.Errorf("failed to query %s: %w", endpoint, err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tGROUP\tSTATE\tUSERS\tQUEUED\tMLID")

			for _, p := range body.Ports {
				status := fmt.Sprintf("%d joins, %d queued", p.Joins, p.QueueDepth)
				if p.Closing {
					status += ", closing"
				}

				fmt.Fprintf(w, "%s\t-\t%s\t\t\t\n", p.Port, status)

				for _, g := range p.Groups {
					mlid := "-"
					if g.Record != nil {
						mlid = g.Record.MLID
					}

					fmt.Fprintf(w, "\t%s\t%s\t%d\t%d\t%s\n", g.Group, g.State, g.Users, g.Queued, mlid)
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", defaultEndpoint, "Admin API endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}
