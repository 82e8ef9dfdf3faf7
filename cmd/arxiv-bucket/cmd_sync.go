package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	bucket "github.com/gradhouse/arxiv-bucket"
)

var (
	syncSince       string
	syncUntil       string
	syncLimit       int
	syncConcurrency int
	syncExtract     bool
	syncDiscard     bool
	syncManifest    string
	runsLimit       int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download and register bulk archives that are new or changed in the manifest",
	Long: `Fetches arXiv_src_manifest.xml, compares it with the stored snapshot and
downloads every archive not yet registered with the manifest's MD5.
Interrupted or partly failed syncs resume where they left off.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	opts := &bucket.SyncOptions{
		Limit:           syncLimit,
		Concurrency:     cfg.Sync.Concurrency,
		Extract:         cfg.Sync.Extract || syncExtract,
		DiscardArchives: cfg.Sync.DiscardArchives || syncDiscard,
		ManifestPath:    syncManifest,
	}
	if cmd.Flags().Changed("concurrency") {
		opts.Concurrency = syncConcurrency
	}
	var err error
	if syncSince != "" {
		if opts.Since, err = bucket.ParseYearMonth(syncSince); err != nil {
			return err
		}
	}
	if syncUntil != "" {
		if opts.Until, err = bucket.ParseYearMonth(syncUntil); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	opts.Progress = func(done, total int) {
		fmt.Fprintf(out, "\rSyncing: %d / %d archives (%.1f%%)", done, total, float64(done)/float64(total)*100)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := newBucket(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Press Ctrl+C to stop; sync will resume from where it left off.")
	res, err := bucket.NewSyncer(store, b).Sync(cmd.Context(), opts)
	if res != nil {
		if res.Selected > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Run %s: manifest %s, %d new, %d updated\n",
			res.RunID, res.ManifestTimestamp.Format("2006-01-02 15:04:05"), res.New, res.Updated)
		fmt.Fprintf(out, "Archives: %d of %d, submissions: %d, failed: %d\n",
			res.Archives, res.Selected, res.Submissions, len(res.Failed))
	}
	return err
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.Runs(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No sync runs recorded.")
			return nil
		}
		for _, r := range runs {
			elapsed := "running"
			if r.Finished != nil {
				elapsed = r.Finished.Sub(r.Started).Round(time.Second).String()
			}
			fmt.Fprintf(out, "%s  %s  %-8s archives %d/%d  submissions %d  failed %d\n",
				r.ID, r.Started.Local().Format("2006-01-02 15:04"), elapsed,
				r.Archives, r.Selected, r.Submissions, r.Failures)
			if r.Error != "" {
				fmt.Fprintf(out, "    %s\n", r.Error)
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncSince, "since", "", "First month to mirror (YYYY-MM or yymm)")
	syncCmd.Flags().StringVar(&syncUntil, "until", "", "Last month to mirror (YYYY-MM or yymm)")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "Maximum archives to process (0 = all)")
	syncCmd.Flags().IntVarP(&syncConcurrency, "concurrency", "j", 4, "Parallel downloads")
	syncCmd.Flags().BoolVar(&syncExtract, "extract", false, "Extract and register submissions")
	syncCmd.Flags().BoolVar(&syncDiscard, "discard", false, "Delete archives after registering them")
	syncCmd.Flags().StringVar(&syncManifest, "manifest", "", "Use a local manifest instead of fetching one")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to show")
}
