package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bucket "github.com/gradhouse/arxiv-bucket"
)

var (
	manifestOut    string
	manifestMonths bool
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Fetch and inspect arXiv_src_manifest.xml",
}

var manifestFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the current manifest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := manifestOut
		if dest == "" {
			dest = filepath.Join(rootDir, "manifests", bucket.ManifestFilename)
		}
		b, err := newBucket(cmd.Context())
		if err != nil {
			return err
		}
		n, err := b.FetchManifest(cmd.Context(), dest)
		if err != nil {
			return err
		}
		m, err := bucket.LoadManifest(dest)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Saved %s (%s)\n", dest, humanize.Bytes(uint64(n)))
		printSummary(out, m.Summary())
		return nil
	},
}

var manifestInfoCmd = &cobra.Command{
	Use:   "info [manifest.xml]",
	Short: "Summarize a manifest (default: the stored snapshot)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runManifestInfo,
}

func runManifestInfo(cmd *cobra.Command, args []string) error {
	m, err := manifestArg(cmd, args, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printSummary(out, m.Summary())
	if manifestMonths {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "%-8s %9s %12s %10s\n", "Month", "Archives", "Submissions", "Size")
		for _, s := range m.Statistics() {
			fmt.Fprintf(out, "%-8s %9d %12s %10s\n",
				s.YearMonth, s.NumArchives, humanize.Comma(int64(s.NumSubmissions)), humanize.Bytes(uint64(s.SizeBytes)))
		}
	}
	return nil
}

var manifestDiffCmd = &cobra.Command{
	Use:   "diff <new.xml> [old.xml]",
	Short: "Show archives added or changed since an older manifest (default: the stored snapshot)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runManifestDiff,
}

func runManifestDiff(cmd *cobra.Command, args []string) error {
	newer, err := bucket.LoadManifest(args[0])
	if err != nil {
		return err
	}
	older, err := manifestArg(cmd, args, 1)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ok, err := newer.IsNewerThan(older)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s is not newer than %s\n", newer.Timestamp.Format("2006-01-02 15:04:05"), older.Timestamp.Format("2006-01-02 15:04:05"))
		return nil
	}
	added, err := newer.NewEntries(older)
	if err != nil {
		return err
	}
	updated, err := newer.UpdatedEntries(older)
	if err != nil {
		return err
	}
	for _, k := range added {
		fmt.Fprintf(out, "+ %s\n", k)
	}
	for _, k := range updated {
		fmt.Fprintf(out, "~ %s\n", k)
	}
	fmt.Fprintf(out, "%d new, %d updated\n", len(added), len(updated))
	return nil
}

// manifestArg loads args[i] when given, otherwise the stored snapshot.
func manifestArg(cmd *cobra.Command, args []string, i int) (*bucket.Manifest, error) {
	if len(args) > i {
		return bucket.LoadManifest(args[i])
	}
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	defer store.Close()
	m, err := store.StoredManifest(cmd.Context())
	if bucket.IsNotFound(err) {
		return nil, fmt.Errorf("no stored manifest, run sync or pass a manifest file: %w", err)
	}
	return m, err
}

func printSummary(w io.Writer, s bucket.ManifestSummary) {
	fmt.Fprintf(w, "Timestamp:          %s\n", s.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Bulk archives:      %s\n", humanize.Comma(int64(s.NumArchives)))
	fmt.Fprintf(w, "Submissions:        %s\n", humanize.Comma(int64(s.NumSubmissions)))
	fmt.Fprintf(w, "Total size:         %s\n", humanize.Bytes(uint64(s.TotalSizeBytes)))
	fmt.Fprintf(w, "Average submission: %s\n", humanize.Bytes(uint64(s.AverageSubmissionBytes)))
}

func init() {
	manifestFetchCmd.Flags().StringVarP(&manifestOut, "out", "o", "", "Destination file (default: <root>/manifests/arXiv_src_manifest.xml)")
	manifestInfoCmd.Flags().BoolVar(&manifestMonths, "months", false, "Print per-month statistics")
}
