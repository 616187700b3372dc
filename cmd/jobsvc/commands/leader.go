package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/display"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/leader"
	"github.com/teranos/jobsvc/sym"
)

// LeaderCmd represents the leader command
var LeaderCmd = &cobra.Command{
	Use:   "leader",
	Short: sym.Leader + " Show leadership state",
}

var leaderStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current holder of the leadership lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		info, present, err := leader.NewSQLiteStore(database, cfg.Leader.Cluster).Read(context.Background())
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(cmd.OutOrStdout(), map[string]interface{}{
				"cluster": cfg.Leader.Cluster,
				"present": present,
				"lease":   info,
				"expired": !present || info.Expired(time.Now(), cfg.Leader.HeartbeatExpiration),
			})
		}
		return renderLease(cmd.OutOrStdout(), cfg.Leader, info, present, time.Now())
	},
}

func init() {
	LeaderCmd.AddCommand(leaderStatusCmd)
}

func renderLease(w io.Writer, cfg am.LeaderConfig, info leader.Info, present bool, now time.Time) error {
	if !present {
		fmt.Fprintf(w, "%s No replica has ever held leadership of cluster %q\n", sym.Leader, cfg.Cluster)
		return nil
	}

	state := "HELD"
	switch {
	case info.Released():
		state = "RELEASED"
	case info.Expired(now, cfg.HeartbeatExpiration):
		state = "EXPIRED"
	}
	heartbeat := "-"
	if !info.Released() {
		heartbeat = fmt.Sprintf("%s (%s ago)", info.LastHeartbeat.Local().Format(time.RFC3339),
			now.Sub(info.LastHeartbeat).Truncate(time.Millisecond))
	}

	data := pterm.TableData{
		{"FIELD", "VALUE"},
		{"Cluster", cfg.Cluster},
		{"Holder", info.HolderID},
		{"State", state},
		{"Epoch", fmt.Sprint(info.Epoch)},
		{"Last heartbeat", heartbeat},
		{"Expiration", cfg.HeartbeatExpiration.String()},
		{"Version", info.Version},
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render lease table")
	}
	fmt.Fprintln(w, out)
	return nil
}
