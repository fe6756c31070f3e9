package commands

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/queue"
)

// DlqCmd groups dead-letter administration.
var DlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and redrive dead-lettered executions",
}

var (
	dlqLimit    int
	dlqRedriven bool
)

var dlqLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dead letters",
	RunE:  runDlqLs,
}

var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive <dlq-id>",
	Short: "Put a dead letter back on the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDlqRedrive,
}

func init() {
	dlqLsCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 50, "Maximum entries to show")
	dlqLsCmd.Flags().BoolVar(&dlqRedriven, "all", false, "Include entries that were already redriven")

	DlqCmd.AddCommand(dlqLsCmd)
	DlqCmd.AddCommand(dlqRedriveCmd)
}

func runDlqLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	q := queue.New(database, queue.DefaultOptions(), logger.ComponentLogger("queue"))
	dead, err := q.ListDLQ(cmd.Context(), dlqLimit, dlqRedriven)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		pterm.Info.Println("Dead letter queue is empty")
		return nil
	}

	rows := pterm.TableData{{"ID", "EXECUTION", "TENANT", "ATTEMPTS", "CODE", "DEAD", "LAST ERROR"}}
	for _, d := range dead {
		age := humanAge(time.Since(d.DeadAt))
		if d.RedrivenAt != nil {
			age += " (redriven)"
		}
		rows = append(rows, []string{
			d.ID,
			d.ExecutionID,
			d.TenantID,
			strconv.Itoa(d.AttemptCount) + "/" + strconv.Itoa(d.MaxAttempts),
			string(d.ErrorContext.Code),
			age,
			truncateText(d.LastError, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runDlqRedrive(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, config, configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	d, err := rt.queue.GetDLQ(ctx, args[0])
	if err != nil {
		return err
	}
	operator := &authz.Actor{ID: "cli:" + currentUser(), TenantID: d.TenantID, AuthMethod: "cli"}
	entry, err := rt.engine.Redrive(ctx, d.ID, operator)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Redrove execution %s as queue entry %s", entry.ExecutionID, entry.ID)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func humanAge(d time.Duration) string {
	switch {
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

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
