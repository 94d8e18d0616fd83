package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rvacal/internal/cache"
	"rvacal/internal/config"
	"rvacal/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCacheCmd)

	runCmd.Flags().Bool("force", false, "Ignore cached results and fetch every selected source")
	runCmd.Flags().StringSlice("sources", nil, "Only run these source ids (comma separated)")
	runCmd.Flags().StringP("output", "o", "", "Write the JSON feed here instead of stdout")
	runCmd.Flags().String("ics", "", "Also write the iCalendar feed here")

	statsCmd.Flags().Bool("json", false, "Emit raw JSON")

	clearCacheCmd.Flags().StringSlice("sources", nil, "Only clear these source ids")
}

// runCmd performs one aggregation run
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape (or reuse cached) sources and emit the merged feed",
	Args:  cobra.NoArgs,
	RunE:  handleRun,
}

// statsCmd prints cache statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-source cache statistics",
	Args:  cobra.NoArgs,
	RunE:  handleStats,
}

// clearCacheCmd drops cached results
var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Remove cached results so the next run fetches again",
	Args:  cobra.NoArgs,
	RunE:  handleClearCache,
}

func handleRun(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	sources, _ := cmd.Flags().GetStringSlice("sources")
	output, _ := cmd.Flags().GetString("output")
	icsPath, _ := cmd.Flags().GetString("ics")

	runCfg := *cfg
	runCfg.Output = config.OutputConfig{EventsJSON: output, CalendarICS: icsPath}

	svc, err := openService(&runCfg)
	if err != nil {
		return err
	}
	snap, err := svc.Run(cmd.Context(), pipeline.Options{Sources: sources, ForceRefresh: force})
	if err != nil {
		return err
	}

	if output == "" {
		if _, err := cmd.OutOrStdout().Write(snap.JSON); err != nil {
			return err
		}
	}

	rep := snap.Report
	fmt.Fprintf(cmd.ErrOrStderr(), "%d events (%d cached, %d fetched, %d not modified, %d stale, %d empty)\n",
		len(rep.Events), rep.CacheHits, rep.Fetched, rep.NotModified, rep.Stale, rep.Empty)
	return nil
}

func handleStats(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	store := openStore(cfg)
	st := store.Stats()

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	writeStatsTable(cmd.OutOrStdout(), cfg, store.Policy(), st)
	return nil
}

// writeStatsTable lists configured sources in config order, then any cached
// source no longer configured.
func writeStatsTable(w io.Writer, c *config.Config, policy cache.TTLPolicy, st cache.Stats) {
	fmt.Fprintf(w, "Cache: %s (%d sources)\n\n", c.CacheFile, st.TotalSources)

	ids := c.SourceIDs()
	configured := make(map[string]bool, len(ids))
	for _, id := range ids {
		configured[id] = true
	}
	var orphans []string
	for id := range st.Sources {
		if !configured[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	ids = append(ids, orphans...)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tEVENTS\tAGE\tTTL\tSTATUS")
	for _, id := range ids {
		s, ok := st.Sources[id]
		ttl := policy.TTL(id)
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t%s\tnot cached\n", id, formatHours(ttl))
			continue
		}
		status := "fresh"
		if s.Expired {
			status = "expired"
		}
		if s.HasETag {
			status += " (etag)"
		}
		if !configured[id] {
			status += ", not configured"
		}
		age := time.Duration(s.AgeMinutes) * time.Minute
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", id, s.EventCount, formatAge(age), formatHours(ttl), status)
	}
	tw.Flush()
}

func formatAge(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatHours(d time.Duration) string {
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func handleClearCache(cmd *cobra.Command, _ []string) error {
	sources, _ := cmd.Flags().GetStringSlice("sources")
	store := openStore(cfg)

	if len(sources) == 0 {
		if err := store.InvalidateAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
		return nil
	}
	for _, id := range sources {
		if err := store.Invalidate(id); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d source(s)\n", len(sources))
	return nil
}
