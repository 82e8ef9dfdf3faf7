package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bucket "github.com/gradhouse/arxiv-bucket"
)

var (
	listLimit   int
	listType    string
	listArchive string
	listID      string
	listInvalid bool
	exportOut   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mirror statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mirror: %s\n", store.Root())
	if stats.ManifestTimestamp.IsZero() {
		fmt.Fprintf(out, "Manifest:            none\n")
	} else {
		fmt.Fprintf(out, "Manifest:            %s (%d archives)\n", stats.ManifestTimestamp.Format("2006-01-02 15:04:05 MST"), stats.ManifestArchives)
	}
	fmt.Fprintf(out, "Bulk archives:       %s (%d invalid)\n", humanize.Comma(stats.BulkArchives), stats.InvalidBulkArchives)
	fmt.Fprintf(out, "Archive bytes:       %s\n", humanize.Bytes(uint64(stats.ArchiveBytes)))
	fmt.Fprintf(out, "Submissions:         %s (%d invalid)\n", humanize.Comma(stats.Submissions), stats.InvalidSubmissions)

	types := make([]string, 0, len(stats.SubmissionsByType))
	for t := range stats.SubmissionsByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %-18s %s\n", t+":", humanize.Comma(stats.SubmissionsByType[bucket.SubmissionType(t)]))
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list archives|submissions",
	Short: "List registry entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	switch args[0] {
	case "archives":
		var entries []*bucket.BulkArchiveEntry
		if listArchive != "" {
			entries, err = store.Archives.ByFilename(ctx, listArchive)
		} else {
			entries, err = store.Archives.List(ctx, listLimit)
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if listInvalid && e.Valid() {
				continue
			}
			fmt.Fprintf(out, "%s  %-24s %10s  %s\n", shortKey(e.Key), e.Metadata.Filename, humanize.Bytes(uint64(e.Metadata.SizeBytes)), validity(e.Diagnostics))
		}
	case "submissions":
		var entries []*bucket.SubmissionEntry
		switch {
		case listID != "":
			entries, err = store.Submissions.ByArxivID(ctx, listID)
		case listArchive != "":
			entries, err = store.Submissions.ByBulkArchive(ctx, listArchive, listLimit)
		case listType != "":
			entries, err = store.Submissions.ByType(ctx, bucket.SubmissionType(strings.ToUpper(listType)), listLimit)
		case listInvalid:
			entries, err = store.Submissions.WithDiagnostics(ctx, listLimit)
		default:
			entries, err = store.Submissions.List(ctx, listLimit)
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %-20s %-10s %10s  %s\n", shortKey(e.Key), e.ArxivID, e.SubmissionType, humanize.Bytes(uint64(e.Metadata.SizeBytes)), validity(e.Diagnostics))
		}
	default:
		return fmt.Errorf("unknown registry %q (want archives or submissions)", args[0])
	}
	return nil
}

func validity(diagnostics []string) string {
	if len(diagnostics) == 0 {
		return "ok"
	}
	return strings.Join(diagnostics, "; ")
}

var exportCmd = &cobra.Command{
	Use:   "export archives|submissions",
	Short: "Write a registry as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		switch args[0] {
		case "archives":
			return store.Archives.Export(cmd.Context(), w)
		case "submissions":
			return store.Submissions.Export(cmd.Context(), w)
		}
		return fmt.Errorf("unknown registry %q (want archives or submissions)", args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import archives|submissions <file.jsonl>",
	Short: "Add entries from a JSON lines export, skipping existing keys",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		var added, skipped int
		switch args[0] {
		case "archives":
			added, skipped, err = store.Archives.Import(cmd.Context(), f)
		case "submissions":
			added, skipped, err = store.Submissions.Import(cmd.Context(), f)
		default:
			return fmt.Errorf("unknown registry %q (want archives or submissions)", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries (%d already present)\n", added, skipped)
		return err
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Max results")
	listCmd.Flags().StringVar(&listType, "type", "", "Submission type (tex, pdf, postscript, unknown)")
	listCmd.Flags().StringVar(&listArchive, "archive", "", "Bulk archive filename (archives) or SHA256 (submissions)")
	listCmd.Flags().StringVar(&listID, "id", "", "arXiv identifier")
	listCmd.Flags().BoolVar(&listInvalid, "invalid", false, "Only entries with problems")

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: stdout)")
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
