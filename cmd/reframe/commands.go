package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/backfill"
	"github.com/Napageneral/reframe/internal/bus"
	"github.com/Napageneral/reframe/internal/config"
	"github.com/Napageneral/reframe/internal/gemini"
	"github.com/Napageneral/reframe/internal/httpapi"
	"github.com/Napageneral/reframe/internal/orchestrator"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analyze-entry endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, appOptions{withAuth: true})
			if err != nil {
				exitErr("Failed to start", err)
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.ListenAddr
			}

			watchPath := configPath
			if watchPath == "" {
				watchPath, _ = config.DefaultPath()
			}
			if watchPath != "" {
				go func() {
					if err := config.Watch(ctx, watchPath, a.logger.Logger, a.applyReload); err != nil {
						a.logger.Warn("config hot reload disabled", "path", watchPath, "error", err)
					}
				}()
			}

			srv := httpapi.New(httpapi.Options{
				Analyzer:   a.orch,
				Metrics:    a.metrics,
				Logger:     a.logger.Logger,
				RatePerMin: a.cfg.Server.RatePerMin,
				RateBurst:  a.cfg.Server.RateBurst,
			})
			a.logger.Info("starting reframe",
				"version", version,
				"model", a.cfg.Model.Name,
				"backend", a.cfg.Persistence.Backend,
				"routing", a.cfg.Routing.Mode,
			)
			if err := srv.ListenAndServe(ctx, addr, a.cfg.Server.WriteTimeout.D()); err != nil {
				a.logger.Error("server stopped", "error", err)
				a.Close()
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.listen_addr)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var owner, debugDir string
	cmd := &cobra.Command{
		Use:   "analyze <entry-id>",
		Short: "Analyze one stored entry and persist the result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, appOptions{debugDir: debugDir})
			if err != nil {
				exitErr("Failed to start", err)
			}
			defer a.Close()

			resp, err := a.orch.AnalyzeTrusted(ctx, owner, args[0])
			if err != nil {
				a.Close()
				exitErr("Analysis failed", err)
			}

			if jsonOutput {
				printJSON(newAnalyzeResult(resp, a.gemini.GetUsageStats()))
				return
			}
			printAnalysis(resp)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner (user) id of the entry")
	cmd.Flags().StringVar(&debugDir, "debug-dir", "", "Write prompts and raw model responses here")
	cmd.MarkFlagRequired("owner")
	return cmd
}

// AnalyzeResult is the --json output of analyze.
type AnalyzeResult struct {
	*orchestrator.Response
	Workers    []orchestrator.WorkerReport `json:"workers"`
	ModelUsage gemini.UsageStats           `json:"model_usage"`
}

func newAnalyzeResult(resp *orchestrator.Response, usage gemini.UsageStats) AnalyzeResult {
	return AnalyzeResult{Response: resp, Workers: resp.Workers, ModelUsage: usage}
}

func printAnalysis(resp *orchestrator.Response) {
	fmt.Printf("Breakdown: %s\n", resp.EntryBreakdown)
	if len(resp.Mood) > 0 {
		fmt.Printf("Mood: %s\n", strings.Join(resp.Mood, ", "))
	}
	if len(resp.IdentifiedThemes) > 0 {
		fmt.Printf("Themes: %s\n", strings.Join(resp.IdentifiedThemes, ", "))
	}
	for _, d := range resp.CognitiveDistortions {
		fmt.Printf("Distortion: %s\n", d.Distortion)
	}
	if len(resp.CBTReframes) > 0 {
		fmt.Printf("Reframes: %d\n", len(resp.CBTReframes))
	}
	if p := resp.ActionableInsight.ReflectionPrompt; p != "" {
		fmt.Printf("Reflect: %s\n", p)
	}
	fmt.Println()
	for _, w := range resp.Workers {
		status := "ok"
		if !w.OK {
			status = w.Reason
		}
		fmt.Printf("  %-16s %-28s %d attempt(s) %dms\n", w.Kind, status, w.Attempts, w.Duration)
	}
	fmt.Printf("\nProcessed in %dms\n", resp.ProcessingTimeMS)
}

func addCmd() *cobra.Command {
	var owner, id, file, reframed string
	cmd := &cobra.Command{
		Use:   "add [transcript]",
		Short: "Store a journal entry in the local database",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			var transcript string
			switch {
			case len(args) == 1:
				transcript = args[0]
			case file == "-":
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					exitErr("Failed to read stdin", err)
				}
				transcript = string(b)
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					exitErr("Failed to read transcript", err)
				}
				transcript = string(b)
			}
			if strings.TrimSpace(transcript) == "" {
				exitErr("A transcript argument or --file is required", nil)
			}

			s, err := openLocal()
			if err != nil {
				exitErr("Failed to open database", err)
			}
			defer s.DB().Close()

			if id == "" {
				id = uuid.New().String()
			}
			entry := analysis.JournalEntry{
				ID:           id,
				OwnerID:      owner,
				Transcript:   transcript,
				ReframedText: reframed,
			}
			if err := s.PutEntry(ctx, entry); err != nil {
				exitErr("Failed to store entry", err)
			}

			if jsonOutput {
				printJSON(map[string]any{"ok": true, "id": id, "owner_id": owner})
			} else {
				fmt.Printf("✓ Stored entry %s\n", id)
			}
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner (user) id")
	cmd.Flags().StringVar(&id, "id", "", "Entry id (default: random UUID)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the transcript from a file, or - for stdin")
	cmd.Flags().StringVar(&reframed, "reframed", "", "The user's reframed version of the entry")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func principlesCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "principles [principle...]",
		Short: "Show or replace an owner's principles",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			s, err := openLocal()
			if err != nil {
				exitErr("Failed to open database", err)
			}
			defer s.DB().Close()

			if len(args) > 0 {
				if err := s.SetPrinciples(ctx, owner, args); err != nil {
					exitErr("Failed to set principles", err)
				}
			}

			principles, err := s.GetPrinciples(ctx, owner)
			if err != nil {
				exitErr("Failed to read principles", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"owner_id": owner, "principles": principles})
				return
			}
			for i, p := range principles {
				fmt.Printf("%d. %s\n", i+1, p)
			}
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner (user) id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func backfillCmd() *cobra.Command {
	cfg := backfill.DefaultConfig()
	var queueOnly bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Analyze every stored entry that has no analysis yet",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				exitErr("Failed to start", err)
			}
			defer a.Close()
			s, err := a.requireSQLite()
			if err != nil {
				a.Close()
				exitErr("Cannot backfill", err)
			}

			runner, err := backfill.New(s.DB(), s, a.orch, cfg, a.logger.Logger)
			if err != nil {
				a.Close()
				exitErr("Failed to prepare backfill", err)
			}
			queued, err := runner.Enqueue(ctx)
			if err != nil {
				a.Close()
				exitErr("Failed to queue entries", err)
			}
			result := map[string]any{"ok": true, "queued": queued}

			if !queueOnly {
				start := time.Now()
				stats, err := runner.Run(ctx)
				if err != nil {
					a.Close()
					exitErr("Backfill failed", err)
				}
				result["stats"] = stats
				result["elapsed_ms"] = time.Since(start).Milliseconds()
				result["model_usage"] = a.gemini.GetUsageStats()
				if a.rpm != nil {
					result["rpm_controller"] = a.rpm.SnapshotJSON()
				}
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			fmt.Printf("✓ Queued %d entries\n", queued)
			if stats, ok := result["stats"]; ok {
				usage := a.gemini.GetUsageStats()
				fmt.Printf("✓ Processed in %dms: %+v\n", result["elapsed_ms"], stats)
				fmt.Printf("  Model calls: %d (%d failed), tokens in/out: %d/%d\n",
					usage.GenerateCalls, usage.FailedCalls, usage.PromptTokens, usage.OutputTokens)
			}
		},
	}
	cmd.Flags().IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "Entries analyzed concurrently")
	cmd.Flags().IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum entries to queue")
	cmd.Flags().BoolVar(&queueOnly, "queue-only", false, "Queue entries without processing them")
	return cmd
}

func eventsCmd() *cobra.Command {
	var after int64
	var entry string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List analysis events from the local event log",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			s, err := openLocal()
			if err != nil {
				exitErr("Failed to open database", err)
			}
			defer s.DB().Close()

			events, err := bus.List(ctx, s.DB(), after, entry, limit)
			if err != nil {
				exitErr("Failed to list events", err)
			}
			if jsonOutput {
				printJSON(events)
				return
			}
			for _, e := range events {
				entryID := "-"
				if e.EntryID != nil {
					entryID = *e.EntryID
				}
				fmt.Printf("%6d  %s  %-20s %s\n", e.Seq, time.Unix(e.CreatedAt, 0).Format(time.RFC3339), e.Type, entryID)
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this sequence number")
	cmd.Flags().StringVar(&entry, "entry", "", "Only events for this entry")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to list")
	return cmd
}
