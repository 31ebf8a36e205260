package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sightline/sightline/internal/system/tasklog"
)

var (
	tasksLimit    int
	tasksOffset   int
	tasksModule   string
	tasksStatus   string
	tasksProvider string
	tasksRequest  string
	tasksSince    string
	tasksUntil    string
	tasksSort     string
	tasksMaxAge   int
	tasksMaxN     int
	tasksYes      bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the task audit log",
	Long: `View and manage the task audit log.
Every chat, image analysis and voice request is recorded here when it finishes.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		sortBy, sortDesc := parseSort(tasksSort)
		records, total, err := store.Query(tasklog.QueryParams{
			Module:    tasksModule,
			RequestID: tasksRequest,
			Status:    tasksStatus,
			Provider:  tasksProvider,
			Since:     tasksSince,
			Until:     tasksUntil,
			SortBy:    sortBy,
			SortDesc:  sortDesc,
			Limit:     tasksLimit,
			Offset:    tasksOffset,
		})
		if err != nil {
			return fmt.Errorf("query tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No task records found.")
			return nil
		}

		fmt.Fprintf(out, "Task records (%d/%d):\n\n", len(records), total)
		for _, r := range records {
			printRecord(out, r, 60)
		}
		if total > tasksOffset+tasksLimit {
			fmt.Fprintf(out, "\n  ... %d more records. Use --offset %d to see next page.\n", total-tasksOffset-tasksLimit, tasksOffset+tasksLimit)
		}
		return nil
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get task record details by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid task ID: %s", args[0])
		}

		rec, err := store.Get(id)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("task #%d not found", id)
		}

		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var tasksSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search task records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		query := strings.Join(args, " ")
		records, total, err := store.Query(tasklog.QueryParams{
			Search: query,
			Limit:  tasksLimit,
			Offset: tasksOffset,
		})
		if err != nil {
			return fmt.Errorf("search tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No matching task records found.")
			return nil
		}
		fmt.Fprintf(out, "Search results for %q (%d/%d):\n\n", query, len(records), total)
		for _, r := range records {
			printRecord(out, r, 80)
		}
		return nil
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task log statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, styleTitle.Render("Task Log Statistics"))
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Total records:    %d\n", stats.TotalRecords)
		fmt.Fprintf(out, "  Avg duration:     %.0fms\n", stats.AvgDurationMs)
		if stats.EarliestRecord != "" {
			fmt.Fprintf(out, "  Earliest record:  %s\n", formatTaskTime(stats.EarliestRecord))
		}
		if stats.LatestRecord != "" {
			fmt.Fprintf(out, "  Latest record:    %s\n", formatTaskTime(stats.LatestRecord))
		}
		printCounts(out, "By Module", stats.ByModule)
		printCounts(out, "By Status", stats.ByStatus)
		printCounts(out, "By Provider", stats.ByProvider)
		printCounts(out, "By Error Kind", stats.ByErrorKind)

		fmt.Fprintf(out, "\n  Database: %s\n", store.DBPath())
		return nil
	},
}

var tasksCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		deleted, err := store.Cleanup(tasksMaxAge, tasksMaxN)
		if err != nil {
			return fmt.Errorf("cleanup tasks: %w", err)
		}
		out := cmd.OutOrStdout()
		if deleted == 0 {
			fmt.Fprintln(out, "No records to clean.")
		} else {
			fmt.Fprintf(out, "Cleaned %d task records (max-age=%d days, max-records=%d)\n", deleted, tasksMaxAge, tasksMaxN)
		}
		return nil
	},
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every task record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !tasksYes {
			return fmt.Errorf("refusing to delete the whole task log without --yes")
		}
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Clear()
		if err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d task records\n", n)
		return nil
	},
}

var tasksCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show total task record count",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		cnt, err := store.Count()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Total task records: %d\n", cnt)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Max records to return")
	tasksListCmd.Flags().IntVar(&tasksOffset, "offset", 0, "Offset for pagination")
	tasksListCmd.Flags().StringVar(&tasksModule, "module", "", "Filter by module (chat, analysis, voice)")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (completed, failed)")
	tasksListCmd.Flags().StringVar(&tasksProvider, "provider", "", "Filter by provider")
	tasksListCmd.Flags().StringVar(&tasksRequest, "request-id", "", "Filter by request id")
	tasksListCmd.Flags().StringVar(&tasksSince, "since", "", "Filter records created after this time (RFC3339, e.g. 2025-01-01T00:00:00Z)")
	tasksListCmd.Flags().StringVar(&tasksUntil, "until", "", "Filter records created before this time (RFC3339)")
	tasksListCmd.Flags().StringVar(&tasksSort, "sort", "-created_at", "Sort field with direction: -created_at, +duration_ms, +module")

	tasksSearchCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Max results")
	tasksSearchCmd.Flags().IntVar(&tasksOffset, "offset", 0, "Offset")

	tasksCleanCmd.Flags().IntVar(&tasksMaxAge, "max-age", 90, "Max age in days")
	tasksCleanCmd.Flags().IntVar(&tasksMaxN, "max-records", 100000, "Max total records to keep")

	tasksClearCmd.Flags().BoolVar(&tasksYes, "yes", false, "Confirm deleting every record")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksSearchCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
	tasksCmd.AddCommand(tasksCleanCmd)
	tasksCmd.AddCommand(tasksClearCmd)
	tasksCmd.AddCommand(tasksCountCmd)
}

func openTaskStore(cmd *cobra.Command) (*tasklog.Store, error) {
	cfg := loadConfig(cmd)
	store, err := tasklog.Open(cfg.TaskLog.Path)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}
	return store, nil
}

// parseSort reads "-field" as descending and "+field" or "field" as ascending.
func parseSort(s string) (field string, desc bool) {
	switch {
	case s == "":
		return "created_at", true
	case strings.HasPrefix(s, "-"):
		return strings.TrimPrefix(s, "-"), true
	case strings.HasPrefix(s, "+"):
		return strings.TrimPrefix(s, "+"), false
	default:
		return s, false
	}
}

func printRecord(out io.Writer, r tasklog.Record, width int) {
	status := statusStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status))
	fmt.Fprintf(out, "  #%-6d [%s] %-8s %s %s/%s\n", r.ID, formatTaskTime(r.CreatedAt), r.Module, status, r.Provider, r.Model)
	if req := truncateString(r.RequestBody, width); req != "" {
		fmt.Fprintf(out, "          req: %s\n", req)
	}
	if resp := truncateString(r.ResponseBody, width); resp != "" {
		fmt.Fprintf(out, "          res: %s\n", resp)
	}
	if r.ErrorKind != "" {
		fmt.Fprintf(out, "          err: %s %s\n", styleError.Render(r.ErrorKind), truncateString(r.ErrorMessage, width))
	}
	if r.DurationMs > 0 {
		fmt.Fprintf(out, "          duration: %dms  request: %s\n", r.DurationMs, r.RequestID)
	}
}

func printCounts(out io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\n  %s:\n", title)
	for _, k := range keys {
		label := k
		if label == "" {
			label = "(none)"
		}
		fmt.Fprintf(out, "    %-14s %d\n", label, counts[k])
	}
}

func formatTaskTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncateString shortens s to max runes on one line.
func truncateString(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
