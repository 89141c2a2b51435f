package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"policyqa/internal/retriever"
	"policyqa/internal/service"
	"policyqa/internal/tui"
)

func askCmd() *cobra.Command {
	var (
		topK         int
		threshold    float64
		asJSON       bool
		snapshotPath string
	)
	cmd := &cobra.Command{
		Use:   "ask [FILE] QUESTION",
		Short: "Answer one question about a document or a saved snapshot",
		Example: "  policyqa ask policy.txt \"Is dental surgery covered?\"\n" +
			"  policyqa ask --snapshot policy.db \"46M, knee surgery in Pune, 3-month policy\"",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshotPath == "" && len(args) != 2 {
				return errors.New("ask needs FILE and QUESTION, or --snapshot and QUESTION")
			}
			if snapshotPath != "" && len(args) != 1 {
				return errors.New("ask --snapshot takes only QUESTION")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if snapshotPath != "" {
				_, err = a.restore(ctx, snapshotPath)
			} else {
				_, err = a.ingestFile(ctx, args[0])
			}
			if err != nil {
				return err
			}

			opts := retriever.Options{TopK: topK}
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = &threshold
			}
			res, err := a.session.Ask(ctx, args[len(args)-1], opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of clauses to retrieve (default from config)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum cosine similarity (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "answer from a snapshot written by export")
	return cmd
}

func tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui FILE",
		Short: "Ask questions about a document interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(stderrUnlessQuiet(true))
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ingestFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			title := fmt.Sprintf("policyqa: %s (%d clauses)", filepath.Base(args[0]), report.Clauses)
			_, err = tea.NewProgram(tui.New(a.session, title, report.Summary), tea.WithAltScreen()).Run()
			return err
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export FILE DB",
		Short: "Index a document and save clauses and vectors to a SQLite snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ingestFile(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.export(ctx, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: document %s, %d clauses, %s dimension %d\n",
				args[1], report.DocumentID, report.Clauses, report.Model, report.Dimension)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "policyqa %s\n", version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, res service.Result) {
	a := res.Answer
	if a.NoAnswer {
		fmt.Fprintln(w, "No relevant clause found.")
		return
	}
	fmt.Fprintf(w, "%s\n\nscore=%.3f confidence=%s clauses=%s %s\n", a.Text, a.Score, a.Confidence, strings.Join(a.ClauseIDs, ","), a.Span)
	if res.Query.Procedure != "" {
		fmt.Fprintf(w, "\ndecision: %s\n%s\n", res.Decision.Verdict, res.Decision.Justification)
	}
	if len(res.Matches) > 1 {
		fmt.Fprintln(w, "\nother matches:")
		for _, m := range res.Matches[1:] {
			fmt.Fprintf(w, "  %s  %.3f\n", m.ClauseID, m.Score)
		}
	}
}
