package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// Wire shapes of the status API responses. Field sets mirror the
// daemon's JSON but are kept local so the CLI builds standalone.

type neighborStatus struct {
	SessionID   int           `json:"session_id"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteAS    uint32        `json:"remote_as"`
	State       string        `json:"state"`
	Enabled     bool          `json:"enabled"`
	Uptime      time.Duration `json:"uptime"`
	DownTime    time.Duration `json:"down_time"`
	Resets      uint64        `json:"resets"`
	Retries     uint64        `json:"retries"`
	MsgReceived uint64        `json:"messages_received"`
}

type queueStatus struct {
	Name        string `json:"name"`
	Capacity    int64  `json:"capacity"`
	Occupancy   int64  `json:"occupancy"`
	PeakItems   int64  `json:"peak_items"`
	Readers     int    `json:"readers"`
	Writers     int    `json:"writers"`
	PacingOn    bool   `json:"pacing_on"`
	PacingCount int64  `json:"pacing_count"`
	Written     int64  `json:"written"`
}

type streamStatus struct {
	Connected bool   `json:"connected"`
	Resets    uint64 `json:"resets"`
	Received  uint64 `json:"records_received"`
	Forwarded uint64 `json:"records_forwarded"`
}

type chainStatus struct {
	ChainID int          `json:"chain_id"`
	Addr    string       `json:"addr"`
	Enabled bool         `json:"enabled"`
	Update  streamStatus `json:"update"`
	Rib     streamStatus `json:"rib"`
}

type clientStatus struct {
	ID        int       `json:"id"`
	Addr      string    `json:"addr"`
	Stream    string    `json:"stream"`
	Connected time.Time `json:"connected"`
	Sent      uint64    `json:"records_sent"`
}

func showCmd() *cobra.Command {
	show := &cobra.Command{
		Use:   "show",
		Short: "Show daemon state",
	}

	show.AddCommand(&cobra.Command{
		Use:     "neighbors",
		Aliases: []string{"bgp", "neighbor"},
		Short:   "Show BGP neighbor sessions",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var neighbors []neighborStatus
			if err := fetch("/v1/neighbors", &neighbors); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(neighbors)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tNEIGHBOR\tAS\tSTATE\tENABLED\tUPTIME\tRESETS\tMSGS")
			for _, n := range neighbors {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%v\t%s\t%d\t%d\n",
					n.SessionID, n.RemoteAddr, n.RemoteAS, n.State,
					n.Enabled, n.Uptime, n.Resets, n.MsgReceived)
			}
			return w.Flush()
		},
	})

	show.AddCommand(&cobra.Command{
		Use:     "queues",
		Aliases: []string{"queue"},
		Short:   "Show pipeline queues",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var queues []queueStatus
			if err := fetch("/v1/queues", &queues); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(queues)
			}
			w := newTable()
			fmt.Fprintln(w, "QUEUE\tOCC\tCAP\tPEAK\tREADERS\tWRITERS\tPACING\tPACED\tWRITTEN")
			for _, q := range queues {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%v\t%d\t%d\n",
					q.Name, q.Occupancy, q.Capacity, q.PeakItems,
					q.Readers, q.Writers, q.PacingOn, q.PacingCount, q.Written)
			}
			return w.Flush()
		},
	})

	show.AddCommand(&cobra.Command{
		Use:   "chains",
		Short: "Show upstream chains",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var chains []chainStatus
			if err := fetch("/v1/chains", &chains); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(chains)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tADDR\tENABLED\tU-CONN\tU-RCVD\tU-FWD\tR-CONN\tR-RCVD\tR-FWD")
			for _, c := range chains {
				fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%d\t%d\t%v\t%d\t%d\n",
					c.ChainID, c.Addr, c.Enabled,
					c.Update.Connected, c.Update.Received, c.Update.Forwarded,
					c.Rib.Connected, c.Rib.Received, c.Rib.Forwarded)
			}
			return w.Flush()
		},
	})

	show.AddCommand(&cobra.Command{
		Use:   "clients",
		Short: "Show subscribed clients",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var clients []clientStatus
			if err := fetch("/v1/clients", &clients); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(clients)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tADDR\tSTREAM\tCONNECTED\tSENT")
			for _, c := range clients {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n",
					c.ID, c.Addr, c.Stream,
					c.Connected.Format(time.RFC3339), c.Sent)
			}
			return w.Flush()
		},
	})

	return show
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
