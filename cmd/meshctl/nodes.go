package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/danmuck/meshctl/internal/nodedb"
	"github.com/danmuck/meshctl/internal/store"
	"github.com/spf13/cobra"
)

func newNodesCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes from the persisted node database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.NodeStorePath
			}
			db := nodedb.New(store.NewFileStore(path))
			if _, err := db.Load(cmd.Context()); err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), db.Snapshot(), time.Now())
		},
	}
	cmd.Flags().StringVar(&path, "store", "", "node store file, overrides node_store_path")
	return cmd
}

func printNodes(w io.Writer, records []nodedb.Record, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSHORT\tHOPS\tSNR\tBATTERY\tLAST HEARD\tFAV")
	for _, r := range records {
		hops := "-"
		if r.HopsAway != nil {
			hops = fmt.Sprint(*r.HopsAway)
		}
		battery := "-"
		if r.Telemetry != nil && r.Telemetry.BatteryLevel > 0 {
			battery = fmt.Sprintf("%d%%", r.Telemetry.BatteryLevel)
		}
		heard := "never"
		if at, ok := r.LastHeardAt(); ok {
			heard = humanSince(now.Sub(at))
		}
		fav := ""
		if r.IsFavorite {
			fav = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
			r.ID(), r.DisplayName(), r.ShortName, hops, r.SNR, battery, heard, fav)
	}
	return tw.Flush()
}

func humanSince(d time.Duration) string {
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
