package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	syslogger "github.com/sightline/sightline/internal/system/logger"
)

var (
	logsLines  int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Read the gateway log files",
}

// logsTailCmd prints the end of the newest log file.
var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last lines of the newest log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir(cmd)
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		if len(files) == 0 {
			return fmt.Errorf("no log files in %s", dir)
		}

		latest := files[0].Path
		lines, err := syslogger.TailFile(latest, logsLines)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
		if !logsFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return syslogger.FollowFile(ctx, latest, out)
	},
}

// logsQueryCmd searches every log file.
var logsQueryCmd = &cobra.Command{
	Use:   "query [pattern]",
	Short: "Search all log files for a pattern (case-insensitive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir(cmd)
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}

		out := cmd.OutOrStdout()
		totalMatches := 0
		for _, f := range files {
			matches, err := syslogger.QueryFile(f.Path, args[0])
			if err != nil {
				continue
			}
			if len(matches) > 0 {
				fmt.Fprintf(out, "--- %s (%d matches) ---\n", f.Name, len(matches))
				for _, line := range matches {
					fmt.Fprintln(out, line)
				}
				totalMatches += len(matches)
			}
		}
		fmt.Fprintf(out, "\nTotal matches: %d across %d files\n", totalMatches, len(files))
		return nil
	},
}

// logsListCmd lists every log file.
var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir(cmd)
		files, err := syslogger.ListLogFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(files) == 0 {
			fmt.Fprintf(out, "No log files found in %s\n", dir)
			return nil
		}

		var total int64
		for _, f := range files {
			total += f.Size
		}
		fmt.Fprintf(out, "Log files (%d, total %.1f MB):\n\n", len(files), float64(total)/1024/1024)
		for _, f := range files {
			sizeMB := float64(f.Size) / 1024 / 1024
			fmt.Fprintf(out, "  %-32s  %8.2f MB  %s\n", f.Name, sizeMB, f.ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "\nLog directory: %s\n", dir)
		return nil
	},
}

// logsCleanCmd removes expired log files.
var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		maxAge := cfg.Log.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}

		mgr, err := syslogger.New(syslogger.Config{
			Dir:        cfg.LogDir(),
			MaxAgeDays: maxAge,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
		})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer mgr.Close()

		removed, err := mgr.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		if removed == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No expired log files to clean.")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired log files (older than %d days)\n", removed, maxAge)
		}
		return nil
	},
}

// logsStatusCmd shows the log settings and files.
var logsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show log system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		dir := cfg.LogDir()
		files, _ := syslogger.ListLogFiles(dir)
		var total int64
		for _, f := range files {
			total += f.Size
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, styleTitle.Render("Log System Status"))
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Directory:    %s\n", dir)
		fmt.Fprintf(out, "  Total files:  %d\n", len(files))
		fmt.Fprintf(out, "  Total size:   %.2f MB\n", float64(total)/1024/1024)
		if len(files) > 0 {
			fmt.Fprintf(out, "  Latest file:  %s\n", files[0].Name)
			fmt.Fprintf(out, "  Latest time:  %s\n", files[0].ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "  Max age:      %d days\n", cfg.Log.MaxAgeDays)
		fmt.Fprintf(out, "  Max size:     %d MB per file\n", cfg.Log.MaxSizeMB)
		fmt.Fprintf(out, "  Log level:    %s\n", cfg.Log.Level)
		return nil
	},
}

func init() {
	logsTailCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to print")
	logsTailCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new lines")

	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsQueryCmd)
	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsCleanCmd)
	logsCmd.AddCommand(logsStatusCmd)
}

func resolveLogDir(cmd *cobra.Command) string {
	return loadConfig(cmd).LogDir()
}
