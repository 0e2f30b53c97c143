package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-archive/archive"
	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/server"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	cfg := server.Config{
		Router:   a.router,
		Tools:    a.tools,
		Logger:   a.logger,
		HTTPAddr: a.cfg.HTTPAddr,
		GRPCAddr: a.cfg.GRPCAddr,
	}
	if a.assistant != nil {
		cfg.Assistant = a.assistant
	}
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("version", version).
		Str("env", a.cfg.Env).
		Str("db", a.cfg.DBPath).
		Str("vectors", a.cfg.VectorPath).
		Dur("retention", a.cfg.Archive.RetentionWindow).
		Msg("starting archive")

	err = srv.Run(ctx)
	a.logger.Info().Msg("archive stopped")
	return err
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.scheduler.RunCycle(ctx)
	if report != nil {
		out(cmd, report, func(w io.Writer) {
			fmt.Fprintf(w, "cycle %s: selected %d, migrated %d, deferred %d, failed %d, kept %d in %d batches (%s)\n",
				report.CycleID, report.Selected, report.Migrated, report.Deferred, report.Failed, report.Kept,
				report.Batches, report.Duration.Round(time.Millisecond))
		})
	}
	return err
}

func runRecent(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		recs, err := a.router.RecentMessages(ctx, args[0], limitFlag, includeDeletedFlag)
		if err != nil {
			return err
		}
		out(cmd, recs, func(w io.Writer) {
			for _, r := range recs {
				printRecord(w, r)
			}
		})
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		st, err := a.router.Statistics(ctx, args[0])
		if err != nil {
			return err
		}
		out(cmd, st, func(w io.Writer) {
			fmt.Fprintf(w, "channel %s (recent window)\n", st.ChannelID)
			fmt.Fprintf(w, "  messages: %d total, %d active, %d edited, %d deleted\n", st.Total, st.Active, st.Edited, st.Deleted)
			if st.FirstMessageAt != nil && st.LastMessageAt != nil {
				fmt.Fprintf(w, "  span:     %s .. %s\n", st.FirstMessageAt.Format(time.RFC3339), st.LastMessageAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "  authors:  %d\n", st.UniqueAuthors)
			for _, ac := range st.Authors {
				fmt.Fprintf(w, "    %-24s %d\n", authorLabel(ac.AuthorID, ac.AuthorName), ac.Count)
			}
			fmt.Fprintf(w, "  archived (all channels): %d\n", st.ArchivedTotal)
		})
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if keywordFlag {
			recs, err := a.store.SearchContent(ctx, query, channelFlag, kFlag)
			if err != nil {
				return err
			}
			out(cmd, recs, func(w io.Writer) {
				for _, r := range recs {
					printRecord(w, r)
				}
			})
			return nil
		}

		var opts []archive.SearchOption
		if channelFlag != "" {
			opts = append(opts, archive.InChannel(channelFlag))
		}
		hits, err := a.router.SemanticSearch(ctx, query, kFlag, opts...)
		if err != nil {
			return err
		}
		out(cmd, hits, func(w io.Writer) {
			for _, h := range hits {
				fmt.Fprintf(w, "%.3f  %s  %s  #%s  %s: %s\n", h.Score, h.SourceID,
					h.CreatedAt.Format(time.RFC3339), h.ChannelID, authorLabel(h.AuthorID, h.AuthorName), h.Summary)
			}
		})
		return nil
	})
}

func runContext(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var opts []archive.SearchOption
		if channelFlag != "" {
			opts = append(opts, archive.InChannel(channelFlag))
		}
		res, err := a.router.ContextFor(ctx, query, kFlag, opts...)
		if err != nil {
			return err
		}
		out(cmd, res, func(w io.Writer) {
			if res.Partial {
				fmt.Fprintln(w, "(embedding unavailable: recent messages only)")
			}
			for _, it := range res.Items {
				fmt.Fprintf(w, "%.3f  [%s] %s  %s  %s: %s\n", it.Score, it.Tier, it.SourceID,
					it.CreatedAt.Format(time.RFC3339), authorLabel(it.AuthorID, it.AuthorName), it.Text)
			}
		})
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		loc, err := a.router.Get(ctx, args[0])
		if err != nil {
			return err
		}
		out(cmd, loc, func(w io.Writer) {
			if loc.Tier == core.TierCold {
				e := loc.Entry
				fmt.Fprintf(w, "%s (archived %s)\n", e.SourceID, e.MigratedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "  %s  %s: %s\n", e.CreatedAt.Format(time.RFC3339), authorLabel(e.AuthorID, e.AuthorName), e.Summary)
				fmt.Fprintf(w, "  edits: %d, deleted: %t\n", e.EditCount, e.Deleted)
				return
			}
			printRecord(w, loc.Record)
			for _, h := range loc.Record.EditHistory {
				fmt.Fprintf(w, "    before %s: %s\n", h.EditedAt.Format(time.RFC3339), h.PriorContent)
			}
		})
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if a.assistant == nil {
			return errors.New("assistant is disabled; set assistant.enabled or ARCHIVE_ASSISTANT=true")
		}
		ans, err := a.assistant.Ask(ctx, channelFlag, question)
		if err != nil {
			return err
		}
		out(cmd, ans, func(w io.Writer) {
			for _, s := range ans.Steps {
				fmt.Fprintf(w, "  > %s %s\n", s.Tool, s.Input)
			}
			fmt.Fprintln(w, ans.Text)
		})
		return nil
	})
}

// ingestSummary counts the outcome of a JSONL ingest.
type ingestSummary struct {
	Lines    int `json:"lines"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		sum, err := ingestLines(ctx, a.router, r, func(line int, err error) {
			a.logger.Warn().Err(err).Int("line", line).Msg("event rejected")
		})
		out(cmd, sum, func(w io.Writer) {
			fmt.Fprintf(w, "%d lines: %d applied, %d rejected\n", sum.Lines, sum.Applied, sum.Rejected)
		})
		return err
	})
}

// ingestLines applies one event per non-blank line. Invalid or unknown
// events are counted and skipped; any other error stops the run.
func ingestLines(ctx context.Context, router *archive.Router, r io.Reader, onReject func(int, error)) (ingestSummary, error) {
	var sum ingestSummary
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		sum.Lines++
		if line == "" {
			continue
		}
		var ev core.MessageEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			sum.Rejected++
			onReject(sum.Lines, fmt.Errorf("%w: %w", core.ErrInvalidEvent, err))
			continue
		}
		if _, err := router.Ingest(ctx, &ev); err != nil {
			if errors.Is(err, core.ErrInvalidEvent) || errors.Is(err, core.ErrNotFound) {
				sum.Rejected++
				onReject(sum.Lines, err)
				continue
			}
			return sum, fmt.Errorf("line %d: %w", sum.Lines, err)
		}
		sum.Applied++
	}
	return sum, sc.Err()
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// out prints v as JSON with --json, otherwise calls text.
func out(cmd *cobra.Command, v any, text func(io.Writer)) {
	w := cmd.OutOrStdout()
	if jsonFlag {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	text(w)
}

func printRecord(w io.Writer, r *core.Record) {
	flags := ""
	if r.Edited {
		flags += " (edited)"
	}
	if r.Deleted {
		flags += " (deleted)"
	}
	content := r.Content
	if content == "" {
		content = "[no text content]"
	}
	fmt.Fprintf(w, "%s  %s  %s: %s%s\n", r.ID, r.CreatedAt.Format(time.RFC3339), authorLabel(r.AuthorID, r.AuthorName), content, flags)
}

func authorLabel(id, name string) string {
	if name == "" {
		return id
	}
	return name
}
