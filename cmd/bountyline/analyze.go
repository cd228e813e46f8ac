package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/daimoniac/bountyline/internal/findings"
	"github.com/daimoniac/bountyline/internal/types"
)

type analyzeCommitOptions struct {
	repository string
	commitID   string
	diffPath   string
	language   string
	files      []string
	noContext  bool
}

func newAnalyzeCommitCommand() *cobra.Command {
	opts := &analyzeCommitOptions{}
	cmd := &cobra.Command{
		Use:   "analyze-commit",
		Short: "Check a commit diff against the vulnerability-pattern catalog",
		Long: `Reads a unified diff, asks the oracle which catalog patterns the commit may
exhibit, and runs the staged analysis on each selected pattern. Findings are
persisted in the state store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return analyzeCommit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.repository, "repo", "", "repository URL (required)")
	cmd.Flags().StringVar(&opts.commitID, "commit", "", "commit id (required)")
	cmd.Flags().StringVar(&opts.diffPath, "diff", "-", "diff file, - for stdin")
	cmd.Flags().StringVar(&opts.language, "language", "", "restrict the catalog to one language")
	cmd.Flags().StringSliceVar(&opts.files, "files", nil, "files touched by the commit")
	cmd.Flags().BoolVar(&opts.noContext, "no-context", false, "skip fetching the codebase summary")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("commit")
	return cmd
}

func analyzeCommit(cmd *cobra.Command, opts *analyzeCommitOptions) error {
	ctx := cmd.Context()

	diff, err := readDiff(cmd.InOrStdin(), opts.diffPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(diff) == "" {
		return fmt.Errorf("diff is empty")
	}

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	var summary string
	if !opts.noContext {
		snap, err := rt.context.Context(ctx, opts.repository, opts.language)
		if err != nil {
			rt.logger.Warn("codebase context unavailable, continuing without it", "error", err.Error())
		}
		summary = snap.Text
	}

	results, err := rt.machine.AnalyzeCommit(ctx, findings.CommitRequest{
		RepositoryURL: opts.repository,
		CommitID:      opts.commitID,
		Diff:          diff,
		Language:      opts.language,
		AffectedFiles: opts.files,
		Context:       summary,
	})

	printFindings(cmd.OutOrStdout(), opts, results)
	return err
}

func readDiff(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read diff: %w", err)
	}
	return string(data), nil
}

func printFindings(w io.Writer, opts *analyzeCommitOptions, results []types.Finding) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Commit %s in %s\n", opts.commitID, opts.repository)

	if len(results) == 0 {
		color.New(color.FgGreen).Fprintln(w, "  no catalog pattern applies")
		return
	}

	for _, f := range results {
		statusColor(f).Fprintf(w, "  %-14s", f.Status)
		fmt.Fprintf(w, " %s", f.CVEID)
		if f.RequiresHumanReview {
			color.New(color.FgYellow).Fprint(w, "  [needs review]")
		}
		fmt.Fprintln(w)
		if f.PresenceConfidence != nil {
			fmt.Fprintf(w, "      presence %.2f", *f.PresenceConfidence)
		}
		if f.FixConfidence != nil {
			fmt.Fprintf(w, "  fix %.2f", *f.FixConfidence)
		}
		if f.PresenceConfidence != nil || f.FixConfidence != nil {
			fmt.Fprintln(w)
		}
		if len(f.AffectedFiles) > 0 {
			fmt.Fprintf(w, "      files: %s\n", strings.Join(f.AffectedFiles, ", "))
		}
		fmt.Fprintf(w, "      id: %s\n", f.ID)
	}
}

func statusColor(f types.Finding) *color.Color {
	switch {
	case f.Status == types.FindingFixConfirmed && !f.RequiresHumanReview:
		return color.New(color.FgGreen, color.Bold)
	case f.Status == types.FindingHumanReview:
		return color.New(color.FgRed)
	case f.RequiresHumanReview:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
