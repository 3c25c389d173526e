package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/flowsched/internal/config"
	internal_http "github.com/ignatij/flowsched/internal/http"
	"github.com/ignatij/flowsched/internal/log"
	internal_service "github.com/ignatij/flowsched/internal/service"
	internal_storage "github.com/ignatij/flowsched/internal/storage"
	"github.com/ignatij/flowsched/pkg/models"
	"github.com/ignatij/flowsched/pkg/service"
	"github.com/ignatij/flowsched/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// StoreOpener opens the store named by connStr. With allowMemory an empty
// connStr selects an in-memory store.
type StoreOpener func(connStr string, allowMemory bool) (storage.Store, error)

// SetupCLI adds the scheduler commands and global flags to rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	Setup(rootCmd, internal_storage.InitStore)
}

// Setup is SetupCLI with a custom store opener.
func Setup(rootCmd *cobra.Command, open StoreOpener) {
	a := &app{open: open}
	flags := rootCmd.PersistentFlags()
	flags.String("db", "", "Database connection string (defaults to db.url or DB_* env vars)")
	flags.String("config", "", "Path to a flowsched.yaml config file")
	flags.StringP("output", "o", "text", "Output format: text or yaml")
	rootCmd.PersistentPreRunE = a.load
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(
		a.submitCmd(),
		a.completeCmd(),
		a.failCmd(),
		a.cancelCmd(),
		a.nextCmd(),
		a.orderCmd(),
		a.prioritiesCmd(),
		a.showCmd(),
		a.serveCmd(),
	)
}

type app struct {
	open   StoreOpener
	cfg    *config.Config
	output string
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DB.URL = db
	}
	if !log.SetLevel(cfg.Log.Level) {
		log.GetLogger().Warnf("Unknown log level %q, keeping %s", cfg.Log.Level, log.GetLogger().GetLevel())
	}
	a.output, _ = cmd.Flags().GetString("output")
	if a.output != "text" && a.output != "yaml" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	a.cfg = cfg
	return nil
}

// withScheduler opens the store, builds a scheduler and runs fn.
func (a *app) withScheduler(allowMemory bool, fn func(*service.Scheduler) error) error {
	log.GetLogger().Debugf("Opening store (memory allowed: %v)", allowMemory)
	store, err := a.open(a.cfg.DB.URL, allowMemory)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer store.Close()
	sched, err := service.NewScheduler(store, log.GetLogger(), a.cfg.SchedulerOptions())
	if err != nil {
		return err
	}
	return fn(sched)
}

// print writes v as YAML, or calls text for the text format.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	text(w)
	return nil
}

func (a *app) submitCmd() *cobra.Command {
	var (
		file      string
		name      string
		priority  int
		source    string
		deadline  string
		estimate  string
		dependsOn []string
		kind      string
	)
	cmd := &cobra.Command{
		Use:   "submit [id]",
		Short: "Submit a task, or a batch of tasks with -f",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if len(args) > 0 {
					return errors.New("an id cannot be combined with -f")
				}
				return a.submitBatch(cmd, file)
			}
			bt := internal_service.BatchTask{Name: name, Priority: priority, Source: source, Estimate: estimate, DependsOn: dependsOn, Kind: kind}
			if len(args) == 1 {
				bt.ID = args[0]
			}
			if deadline != "" {
				d, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return errors.Wrap(err, "--deadline must be RFC3339")
				}
				bt.Deadline = &d
			}
			task, deps, err := bt.Submission()
			if err != nil {
				return err
			}
			return a.withScheduler(false, func(s *service.Scheduler) error {
				id, err := s.SubmitTask(cmd.Context(), task, deps)
				if id == "" {
					return err
				}
				if err != nil {
					log.GetLogger().Warnf("Task %s stored but not evaluated: %v", id, err)
				}
				t, err := s.GetTask(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), t, func(w io.Writer) {
					fmt.Fprintf(w, "Submitted task %s (%s, priority %.2f)\n", t.ID, t.Status, t.CalculatedPriority)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML task file")
	cmd.Flags().StringVar(&name, "name", "", "Task name")
	cmd.Flags().IntVar(&priority, "priority", 0, "Base priority 1-10 (default 5)")
	cmd.Flags().StringVar(&source, "source", "", "Submission source: HUMAN, API, AGENT, SCHEDULED or SYSTEM")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Deadline (RFC3339)")
	cmd.Flags().StringVar(&estimate, "estimate", "", "Estimated duration, e.g. 90s")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Prerequisite task ids")
	cmd.Flags().StringVar(&kind, "kind", "", "Dependency kind: SEQUENTIAL or PARALLEL")
	return cmd
}

func (a *app) submitBatch(cmd *cobra.Command, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	batch, err := internal_service.ParseBatch(f)
	if err != nil {
		return err
	}
	return a.withScheduler(false, func(s *service.Scheduler) error {
		ids, err := internal_service.NewBatchService(s).Submit(cmd.Context(), batch)
		if err != nil {
			if len(ids) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "Submitted before the error: %s\n", strings.Join(ids, ", "))
			}
			return err
		}
		return a.print(cmd.OutOrStdout(), map[string][]string{"submitted": ids}, func(w io.Writer) {
			fmt.Fprintf(w, "Submitted %d tasks: %s\n", len(ids), strings.Join(ids, ", "))
		})
	})
}

func (a *app) printUnblocked(w io.Writer, verb, id string, unblocked []string) error {
	if unblocked == nil {
		unblocked = []string{}
	}
	return a.print(w, map[string][]string{"unblocked": unblocked}, func(w io.Writer) {
		fmt.Fprintf(w, "Task %s %s", id, verb)
		if len(unblocked) > 0 {
			fmt.Fprintf(w, ", now ready: %s", strings.Join(unblocked, ", "))
		}
		fmt.Fprintln(w)
	})
}

func (a *app) completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a running task as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				unblocked, err := s.OnTaskCompleted(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printUnblocked(cmd.OutOrStdout(), "completed", args[0], unblocked)
			})
		},
	}
}

func (a *app) failCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a running task as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				unblocked, err := s.FailTask(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return a.printUnblocked(cmd.OutOrStdout(), "failed", args[0], unblocked)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				unblocked, err := s.CancelTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printUnblocked(cmd.OutOrStdout(), "cancelled", args[0], unblocked)
			})
		},
	}
}

func (a *app) nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Dispatch the highest priority ready task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				t, err := s.DequeueNextReadyTask(cmd.Context())
				if err != nil {
					return err
				}
				if t == nil {
					return a.print(cmd.OutOrStdout(), map[string]any{"task": nil}, func(w io.Writer) {
						fmt.Fprintln(w, "No ready tasks.")
					})
				}
				return a.print(cmd.OutOrStdout(), t, func(w io.Writer) {
					fmt.Fprintf(w, "Dispatched task %s (priority %.2f)\n", t.ID, t.CalculatedPriority)
				})
			})
		},
	}
}

func (a *app) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <id>...",
		Short: "Print an execution order for the given tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				order, err := s.GetExecutionOrder(cmd.Context(), args)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string][]string{"order": order}, func(w io.Writer) {
					for i, id := range order {
						fmt.Fprintf(w, "%d. %s\n", i+1, id)
					}
				})
			})
		},
	}
}

func (a *app) prioritiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priorities [id...]",
		Short: "Recalculate priorities, of all unfinished tasks by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				scores, err := s.RecalculatePriorities(cmd.Context(), args)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), map[string]map[string]float64{"scores": scores}, func(w io.Writer) {
					ids := make([]string, 0, len(scores))
					for id := range scores {
						ids = append(ids, id)
					}
					sort.Slice(ids, func(i, j int) bool {
						if scores[ids[i]] != scores[ids[j]] {
							return scores[ids[i]] > scores[ids[j]]
						}
						return ids[i] < ids[j]
					})
					for _, id := range ids {
						fmt.Fprintf(w, "%-24s %6.2f\n", id, scores[id])
					}
				})
			})
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and the factors behind its priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withScheduler(false, func(s *service.Scheduler) error {
				t, err := s.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				b, err := s.ExplainPriority(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := struct {
					Task     models.Task `yaml:"task"`
					Priority any         `yaml:"priority"`
				}{t, b}
				return a.print(cmd.OutOrStdout(), view, func(w io.Writer) {
					fmt.Fprintf(w, "ID:       %s\n", t.ID)
					fmt.Fprintf(w, "Name:     %s\n", t.Name)
					fmt.Fprintf(w, "Status:   %s\n", t.Status)
					fmt.Fprintf(w, "Source:   %s\n", t.Source)
					fmt.Fprintf(w, "Depth:    %d\n", t.DependencyDepth)
					fmt.Fprintf(w, "Priority: %.2f (base %.1f, depth %.1f, urgency %.1f, blocking %.1f, source %.1f)\n",
						b.Total, b.Base, b.Depth, b.Urgency, b.Blocking, b.Source)
					if t.ErrorMsg != "" {
						fmt.Fprintf(w, "Error:    %s\n", t.ErrorMsg)
					}
				})
			})
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var (
		port    string
		memory  bool
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with a worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				port = a.cfg.HTTP.Port
			}
			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Workers.Count
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.withScheduler(memory, func(s *service.Scheduler) error {
				var opts []internal_http.Option
				if workers > 0 {
					pool := service.NewWorkerPool(ctx, s, logHandler, log.GetLogger(), a.cfg.WorkerPoolConfig())
					pool.Start(workers)
					defer pool.Stop()
					opts = append(opts, internal_http.WithNotifier(pool.Notify))
				}
				return internal_http.StartServer(ctx, port, internal_http.NewServer(s, opts...))
			})
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (defaults to http.port)")
	cmd.Flags().BoolVar(&memory, "memory", false, "Use an in-memory store when no database is configured")
	cmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size; 0 disables dispatching (defaults to workers.count)")
	return cmd
}

// logHandler is the built-in task handler of serve: it records the dispatch
// and succeeds.
func logHandler(ctx context.Context, t models.Task) error {
	log.GetLogger().Infof("Executing task %s (%s)", t.ID, t.Name)
	return nil
}
