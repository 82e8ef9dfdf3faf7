package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bucket "github.com/gradhouse/arxiv-bucket"
)

var (
	fetchDest     string
	ingestExtract bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <arXiv_src_yymm_nnn.tar>...",
	Short: "Download bulk archives into the mirror without registering them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		b, err := newBucket(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		var errs []error
		for _, name := range args {
			dest := store.ArchivePath(name)
			if fetchDest != "" {
				dest = filepath.Join(fetchDest, filepath.Base(name))
			}
			n, err := b.FetchBulkArchive(cmd.Context(), name, dest)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(out, "%s -> %s (%s)\n", name, dest, humanize.Bytes(uint64(n)))
		}
		return errors.Join(errs...)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Check bulk archives or submission files and print any problems",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	bad := 0
	for _, path := range args {
		var problems []string
		if bucket.IsBulkArchiveFilename(path) {
			problems = bucket.CheckBulkArchive(path)
		} else {
			problems = bucket.CheckSubmission(path)
		}
		if len(problems) == 0 {
			fmt.Fprintf(out, "ok    %s\n", path)
			continue
		}
		bad++
		fmt.Fprintf(out, "FAIL  %s\n", path)
		for _, p := range problems {
			fmt.Fprintf(out, "      %s\n", p)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed", bad, len(args))
	}
	return nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <arXiv_src_yymm_nnn.tar>...",
	Short: "Register local bulk archives (and optionally their submissions)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	s := bucket.NewSyncer(store, nil)
	out := cmd.OutOrStdout()
	var errs []error
	for _, path := range args {
		res, err := s.Ingest(cmd.Context(), path, ingestExtract)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		status := "registered"
		if !res.Archive.Valid() {
			status = "registered with problems"
		}
		fmt.Fprintf(out, "%s %s %s, %d submissions\n", shortKey(res.Archive.Key), filepath.Base(path), status, res.Submissions)
		for _, d := range res.Archive.Diagnostics {
			fmt.Fprintf(out, "    %s\n", d)
		}
	}
	return errors.Join(errs...)
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDest, "dest", "", "Download directory (default: the mirror)")
	ingestCmd.Flags().BoolVar(&ingestExtract, "extract", false, "Extract and register submissions")
}
