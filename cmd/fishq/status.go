package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fishqueue/internal/apiclient"
	"github.com/hochfrequenz/fishqueue/internal/domain"
	"github.com/hochfrequenz/fishqueue/internal/httpapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, worker and throughput status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()
	st, err := apiclient.New(serverURL).Status(ctx)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, st)
	return nil
}

func printStatus(out io.Writer, st *httpapi.StatusResponse) {
	statuses := make([]string, 0, len(st.Runs))
	for s := range st.Runs {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Fprintln(out, "Runs:")
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-10s %d\n", s, st.Runs[domain.RunStatus(s)])
	}
	fmt.Fprintf(out, "Pending games: %s\n", humanize.Comma(int64(st.Pending)))

	if st.Metrics != nil {
		m := st.Metrics
		fmt.Fprintf(out, "Throughput: %.1f games/min (%s games, %d assignments, %d reclaimed)\n",
			m.GamesPerMinute, humanize.Comma(int64(m.Games)), m.Assignments, m.Reclaimed)
	}

	fmt.Fprintf(out, "\nWorkers (%d connected):\n", len(st.Workers))
	if len(st.Workers) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tCORES\tTASKS\tCONNECTED\tLAST SEEN")
		for _, ws := range st.Workers {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%s\t%s\n",
				ws.Name, ws.Concurrency, len(ws.Tasks),
				humanize.Time(ws.ConnectedAt), humanize.Time(ws.LastSeen))
		}
		w.Flush()
	}

	if len(st.Activity) > 0 {
		fmt.Fprintln(out, "\nActivity:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tASSIGNED\tGAMES\tRELEASED\tLAST SEEN")
		for _, a := range st.Activity {
			fmt.Fprintf(w, "  %s\t%d\t%s\t%d\t%s\n",
				a.Name, a.Assignments, humanize.Comma(int64(a.Games)), a.Released, humanize.Time(a.LastSeen))
		}
		w.Flush()
	}
}

func parseInt(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return n, nil
}
