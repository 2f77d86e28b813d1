package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fishqueue/internal/apiclient"
	"github.com/hochfrequenz/fishqueue/internal/controller"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/runstore"
)

const requestTimeout = 30 * time.Second

var (
	submitFile     string
	submitUser     string
	submitPriority int
	submitGames    int

	listStatus     string
	listUser       string
	listUnfinished bool

	stopReason string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage test runs",
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a run from a YAML, TOML or JSON file",
	RunE:  runSubmit,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs in scheduling order",
	RunE:  runList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var runsAdjustCmd = &cobra.Command{
	Use:   "adjust <run-id> <num-games>",
	Short: "Change the game budget of a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runAdjust,
}

var runsPriorityCmd = &cobra.Command{
	Use:   "priority <run-id> <priority>",
	Short: "Change the scheduling priority of a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runPriority,
}

func init() {
	runsSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "run description file")
	runsSubmitCmd.Flags().StringVar(&submitUser, "username", "", "override the submitting user")
	runsSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "override the priority")
	runsSubmitCmd.Flags().IntVar(&submitGames, "games", 0, "override the game budget")
	runsSubmitCmd.MarkFlagRequired("file")

	runsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, passed, failed, stopped, finished)")
	runsListCmd.Flags().StringVar(&listUser, "username", "", "filter by user")
	runsListCmd.Flags().BoolVar(&listUnfinished, "unfinished", false, "hide finished runs")

	runsStopCmd.Flags().StringVar(&stopReason, "reason", "", "reason recorded on the run")

	runsCmd.AddCommand(runsSubmitCmd, runsListCmd, runsShowCmd, runsStopCmd, runsAdjustCmd, runsPriorityCmd)
	rootCmd.AddCommand(runsCmd)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunFile(submitFile)
	if err != nil {
		return err
	}
	if submitUser != "" {
		cfg.Username = submitUser
	}
	if cmd.Flags().Changed("priority") {
		cfg.Priority = submitPriority
	}
	if submitGames > 0 {
		cfg.NumGames = submitGames
	}

	ctx, cancel := requestContext()
	defer cancel()
	id, err := apiclient.New(serverURL).SubmitRun(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	runs, err := apiclient.New(serverURL).ListRuns(ctx, runstore.ListOptions{
		Status:     domain.RunStatus(listStatus),
		Username:   listUser,
		Unfinished: listUnfinished,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	printRunTable(os.Stdout, runs)
	return nil
}

func printRunTable(out io.Writer, runs []*controller.RunView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tPRIO\tSTATUS\tGAMES\tLLR\tELO\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s/%s\t%.2f\t%+.1f\t%s\n",
			r.ID,
			r.Config.Username,
			r.Config.Priority,
			statusLabel(r),
			humanize.Comma(int64(r.Games)),
			humanize.Comma(int64(r.Config.NumGames)),
			r.SPRT.LLR,
			r.Elo.Elo,
			humanize.Time(r.CreatedAt),
		)
	}
	w.Flush()
}

func statusLabel(r *controller.RunView) string {
	if r.Status == domain.RunFinished && r.Outcome != "" {
		return string(r.Outcome)
	}
	return string(r.Status)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	run, err := apiclient.New(serverURL).GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	printRun(os.Stdout, run)
	return nil
}

func printRun(out io.Writer, r *controller.RunView) {
	fmt.Fprintf(out, "Run:       %s\n", r.ID)
	fmt.Fprintf(out, "User:      %s\n", r.Config.Username)
	fmt.Fprintf(out, "Priority:  %d\n", r.Config.Priority)
	fmt.Fprintf(out, "Status:    %s\n", statusLabel(r))
	if r.StopReason != "" {
		fmt.Fprintf(out, "Reason:    %s\n", r.StopReason)
	}
	if r.Config.Info != "" {
		fmt.Fprintf(out, "Info:      %s\n", r.Config.Info)
	}
	fmt.Fprintf(out, "SPRT:      elo0=%g elo1=%g alpha=%g beta=%g\n", r.Config.Elo0, r.Config.Elo1, r.Config.Alpha, r.Config.Beta)
	fmt.Fprintf(out, "LLR:       %.2f [%.2f, %.2f] %s\n", r.SPRT.LLR, r.SPRT.Lower, r.SPRT.Upper, r.SPRT.Decision)
	fmt.Fprintf(out, "Elo:       %+.2f ± %.2f\n", r.Elo.Elo, r.Elo.Margin)
	fmt.Fprintf(out, "Games:     %s of %s (%s allocated, %s remaining)\n",
		humanize.Comma(int64(r.Games)),
		humanize.Comma(int64(r.Config.NumGames)),
		humanize.Comma(int64(r.Allocated)),
		humanize.Comma(int64(r.Remaining)))
	fmt.Fprintf(out, "W/L/D:     %d/%d/%d\n", r.Stats.Wins, r.Stats.Losses, r.Stats.Draws)
	fmt.Fprintf(out, "Pairs:     %v\n", r.Stats.Pentanomial)
	fmt.Fprintf(out, "Created:   %s (%s)\n", r.CreatedAt.Format(time.RFC3339), humanize.Time(r.CreatedAt))

	if len(r.Tasks) == 0 {
		return
	}
	fmt.Fprintf(out, "\nTasks (%d, %d leased):\n", len(r.Tasks), r.LeasedTasks)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tWORKER\tGAMES\tW/L/D\tACTIVE")
	for _, t := range r.Tasks {
		worker := t.WorkerName
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(w, "  %d\t%s\t%d/%d\t%d/%d/%d\t%v\n",
			t.Index, worker, t.Played(), t.NumGames,
			t.Stats.Wins, t.Stats.Losses, t.Stats.Draws, t.Active)
	}
	w.Flush()
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	run, err := apiclient.New(serverURL).StopRun(ctx, args[0], stopReason)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s is %s\n", run.ID, statusLabel(run))
	return nil
}

func runAdjust(cmd *cobra.Command, args []string) error {
	n, err := parseInt("num-games", args[1])
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	run, err := apiclient.New(serverURL).AdjustGames(ctx, args[0], n)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s now targets %s games\n", run.ID, humanize.Comma(int64(run.Config.NumGames)))
	return nil
}

func runPriority(cmd *cobra.Command, args []string) error {
	p, err := parseInt("priority", args[1])
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	run, err := apiclient.New(serverURL).SetPriority(ctx, args[0], p)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s priority set to %d\n", run.ID, run.Config.Priority)
	return nil
}
