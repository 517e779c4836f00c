package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"review-worker/internal/ai"
	"review-worker/internal/anchor"
	"review-worker/internal/config"
	"review-worker/internal/events"
	"review-worker/internal/logging"
	"review-worker/internal/models"
	"review-worker/internal/queue"
	"review-worker/internal/repo"
)

type globals struct {
	json bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Operate the review worker: cache locks, cleanup, queue and matcher debugging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output JSON")
	root.AddCommand(
		locksCmd(g),
		cleanupCmd(g),
		anchorCmd(g),
		enqueueCmd(g),
		dlqCmd(g),
		jobCmd(g),
		modelsCmd(g),
	)
	return root
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func withQueue(ctx context.Context, fn func(cfg config.Config, q *queue.RedisQueue) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client := queue.NewClient(cfg)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return fn(cfg, queue.NewRedisQueue(client, cfg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	return tw
}

func locksCmd(g *globals) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List repository cache lock files and whether they are stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if root == "" {
				root = cfg.RepoCacheDir
			}
			locks, err := repo.NewLockManager(cfg.RepoLockTimeout, log).ListLocks(root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, locks)
			}
			tw := newTable(out, table.Row{"Lock", "Job", "PID", "Host", "Age", "Stale"})
			for _, l := range locks {
				age := "-"
				if l.Err == nil {
					age = time.Since(l.Meta.CreatedAt).Round(time.Second).String()
				}
				tw.AppendRow(table.Row{l.Path, l.Meta.JobID, l.Meta.PID, l.Meta.Hostname, age, l.Stale})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "cache root (defaults to REPO_CACHE_DIR)")
	return cmd
}

func cleanupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one sweep of orphaned work trees and stale locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			locks := repo.NewLockManager(cfg.RepoLockTimeout, log)
			cleaner := repo.NewCleaner(cfg.RepoCacheDir, cfg.RepoStaleAfter, locks, repo.NewWorkTrees(), log)
			rep, err := cleaner.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, rep)
			}
			tw := newTable(out, table.Row{"Removed", "Locks removed", "Bytes freed", "Errors"})
			tw.AppendRow(table.Row{len(rep.Removed), rep.LocksRemoved, rep.BytesFreed, rep.Errors})
			tw.Render()
			for _, dir := range rep.Removed {
				fmt.Fprintln(out, "removed", dir)
			}
			return nil
		},
	}
}

func anchorCmd(g *globals) *cobra.Command {
	var patchFile, snippet, file string
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Resolve a snippet against a unified diff and print the matched line",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(patchFile)
			if err != nil {
				return err
			}
			var m anchor.Match
			var ok bool
			if file != "" {
				m, ok = anchor.Find([]models.FileDiff{{Filename: file, Patch: string(data)}}, snippet)
			} else {
				m, ok = anchor.FindInPatch(string(data), snippet)
			}
			if !ok {
				return fmt.Errorf("snippet not found in %s", patchFile)
			}
			out := cmd.OutOrStdout()
			if g.json {
				return printJSON(out, m)
			}
			tw := newTable(out, table.Row{"File", "Start", "Line", "Side", "Score"})
			tw.AppendRow(table.Row{m.Filename, m.StartLine, m.Line, m.Side, m.Score})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&patchFile, "patch", "", "unified diff file")
	cmd.Flags().StringVar(&snippet, "snippet", "", "code snippet to locate")
	cmd.Flags().StringVar(&file, "file", "", "treat the patch as a single headerless file patch with this name")
	_ = cmd.MarkFlagRequired("patch")
	_ = cmd.MarkFlagRequired("snippet")
	return cmd
}

func enqueueCmd(g *globals) *cobra.Command {
	var job models.Job
	var kind string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a review or reply job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(cfg config.Config, q *queue.RedisQueue) error {
				job.Kind = models.JobKind(kind)
				job.Action = "manual"
				job.MaxAttempts = cfg.MaxAttempts
				job.Backoff = models.Backoff{Type: models.DefaultBackoff.Type, Delay: cfg.BackoffInitial}
				job.ID = models.JobID(job.Kind, job.RepositoryFullName, job.ChangeNumber, job.HeadRevision, job.CommentID)
				if err := job.Validate(); err != nil {
					return err
				}
				res, err := q.Enqueue(cmd.Context(), job, time.Now())
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": job.ID, "result": res.String()})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.KindReview), "job kind (review|reply)")
	cmd.Flags().StringVar(&job.RepositoryFullName, "repo", "", "repository owner/name")
	cmd.Flags().IntVar(&job.ChangeNumber, "number", 0, "pull request number")
	cmd.Flags().StringVar(&job.HeadRevision, "sha", "", "head commit sha")
	cmd.Flags().Int64Var(&job.CommentID, "comment", 0, "comment id for reply jobs")
	cmd.Flags().StringVar(&job.CloneURL, "clone-url", "", "clone url override")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func dlqCmd(g *globals) *cobra.Command {
	dlq := &cobra.Command{Use: "dlq", Short: "Inspect and requeue dead-lettered jobs"}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(_ config.Config, q *queue.RedisQueue) error {
				ids, err := q.DLQPeek(cmd.Context(), limit)
				if err != nil {
					return err
				}
				jobs := make([]models.Job, 0, len(ids))
				for _, id := range ids {
					job, err := q.Get(cmd.Context(), id)
					if err != nil {
						job = models.Job{ID: id}
					}
					jobs = append(jobs, job)
				}
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, jobs)
				}
				tw := newTable(out, table.Row{"ID", "Kind", "Repository", "Change", "Attempts", "Last error"})
				for _, j := range jobs {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.Kind, j.RepositoryFullName, j.ChangeNumber, j.AttemptsMade, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries")

	retry := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Requeue a dead-lettered job with a fresh attempt count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(_ config.Config, q *queue.RedisQueue) error {
				job, err := q.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				res, err := q.Enqueue(cmd.Context(), job, time.Now())
				if err != nil {
					return err
				}
				if err := q.DLQRemove(cmd.Context(), job.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, res)
				return nil
			})
		},
	}
	dlq.AddCommand(list, retry)
	return dlq
}

func jobCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "job JOB_ID",
		Short: "Show a job's queue state and live log history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(_ config.Config, q *queue.RedisQueue) error {
				job, err := q.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				logs, err := events.NewPublisher(q.Client(), nil).History(cmd.Context(), job.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.json {
					return printJSON(out, map[string]any{"job": job, "logs": logs})
				}
				fmt.Fprintf(out, "%s  %s  %s#%d  state=%s attempts=%d/%d\n",
					job.ID, job.Kind, job.RepositoryFullName, job.ChangeNumber, job.State, job.AttemptsMade, job.MaxAttempts)
				tw := newTable(out, table.Row{"Time", "Level", "Stage", "Message"})
				for i := len(logs) - 1; i >= 0; i-- {
					l := logs[i]
					tw.AppendRow(table.Row{l.Recorded.Format(time.RFC3339), l.Level, l.Stage, l.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func modelsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model fallback chain per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			chains := map[ai.Provider][]string{}
			for _, p := range ai.Providers() {
				chains[p] = ai.DefaultModels(p)
			}
			if g.json {
				return printJSON(out, chains)
			}
			tw := newTable(out, table.Row{"Provider", "Priority", "Model"})
			for _, p := range ai.Providers() {
				for i, m := range chains[p] {
					tw.AppendRow(table.Row{p, i + 1, m})
				}
			}
			tw.Render()
			return nil
		},
	}
}
