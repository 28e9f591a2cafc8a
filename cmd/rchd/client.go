package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Dicklesworthstone/rchd/pkg/config"
	"github.com/Dicklesworthstone/rchd/pkg/controlsocket"
	"github.com/spf13/cobra"
)

func init() {
	cancelCmd.Flags().Bool("force", false, "Skip the grace period and kill immediately")
	cancelCmd.Flags().String("reason", "user", "Cancellation reason")
	cancelAllCmd.Flags().Bool("force", false, "Skip the grace period and kill immediately")
	triageCmd.Flags().StringSlice("worker", nil, "Restrict the sweep to specific worker IDs")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cancelAllCmd)
	rootCmd.AddCommand(triageCmd)
}

// dialDaemon resolves the socket path from configuration and connects.
func dialDaemon() (*controlsocket.Client, error) {
	socketPath := config.Default().SocketPath
	if cfg, err := config.Load(configPath); err == nil {
		socketPath = cfg.SocketPath
	}
	return controlsocket.Dial(socketPath)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and active builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.Status()
		if err != nil {
			return err
		}

		fmt.Printf("rchd %s, up %ds, %d workers, %d active builds\n",
			status.Version, status.UptimeSecs, status.WorkerCount, len(status.ActiveBuilds))
		for _, b := range status.ActiveBuilds {
			fmt.Printf("  %s  project=%s worker=%s slots=%d\n", b.ID, b.ProjectID, b.WorkerID, b.Slots)
		}
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.ListWorkers()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOST\tSTATUS\tSLOTS\tCIRCUIT\tERR%\tPRESSURE\tHEALTH\tDEBT")
		for _, wk := range resp.Workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%.0f\t%s\t%s\t%.2f\n",
				wk.ID, wk.Host, wk.Status, wk.UsedSlots, wk.TotalSlots,
				wk.CircuitState, wk.ErrorRate*100, wk.PressureState, wk.HealthState, wk.AggregatedDebt)
		}
		return w.Flush()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose scheduling eligibility for every worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.Doctor()
		if err != nil {
			return err
		}

		for _, f := range resp.Findings {
			line := fmt.Sprintf("[%s] %s: %s", f.Severity, f.WorkerID, f.Detail)
			if f.Code != "" {
				line += " (" + f.Code + ")"
			}
			fmt.Println(line)
		}
		if !resp.Healthy {
			return fmt.Errorf("one or more workers have critical findings")
		}
		fmt.Println("all workers schedulable")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <build-id>",
	Short: "Cancel an active build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.CancelBuild(args[0], reason, force)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s (slots released: %d)\n", resp.Status, resp.Message, resp.SlotsReleased)
		if resp.Status == "error" || resp.Status == "failed" {
			return fmt.Errorf("cancellation did not complete cleanly")
		}
		return nil
	},
}

var cancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel every active build",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.CancelAllBuilds(force)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d builds cancelled\n", resp.Status, resp.CancelledCount)
		for _, c := range resp.Cancelled {
			fmt.Printf("  %s  %s worker=%s\n", c.BuildID, c.Status, c.WorkerID)
		}
		return nil
	},
}

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run an on-demand process-triage sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetStringSlice("worker")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.TriageSweep(workers)
		if err != nil {
			return err
		}

		fmt.Printf("%d workers swept\n", resp.WorkersSwept)
		for id, status := range resp.Statuses {
			fmt.Printf("  %s: %s\n", id, status)
		}
		return nil
	},
}
