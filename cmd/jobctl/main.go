// Command jobctl is the thin CLI over the job orchestration core: submit,
// cancel, list, show, workflow submit, cluster add/remove/list.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jobcore/jobcore/internal/config"
	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/orchestrator"
	"github.com/jobcore/jobcore/internal/queue"
	"github.com/jobcore/jobcore/internal/runner"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/jobcore/jobcore/internal/template"
	"github.com/spf13/cobra"
)

// ctlDeps bundles the store/queue handles every subcommand needs. It is
// opened lazily in PersistentPreRunE so `jobctl --help` never touches the
// database file.
type ctlDeps struct {
	store *store.Store
	queue *queue.Manager
	orch  *orchestrator.Orchestrator
}

func main() {
	os.Exit(run())
}

func run() int {
	var deps ctlDeps

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "control the job orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.Store.DBPath, store.Options{})
			if err != nil {
				return err
			}
			deps.store = st
			deps.queue = queue.New(queue.Options{Store: st, Runners: map[store.RunnerKind]runner.Runner{}})
			deps.orch = orchestrator.New(st, deps.queue, template.NewFileRenderer(cfg.Orchestrator.TemplateRoot), cfg.Orchestrator.ScratchDir, nil)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if deps.store != nil {
				_ = deps.store.Close()
			}
		},
	}

	root.AddCommand(
		newSubmitCmd(&deps),
		newCancelCmd(&deps),
		newListCmd(&deps),
		newShowCmd(&deps),
		newWorkflowCmd(&deps),
		newClusterCmd(&deps),
	)

	ctx := context.Background()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		return coreerr.ExitCode(err)
	}
	return 0
}

func newSubmitCmd(deps *ctlDeps) *cobra.Command {
	var name, workDir, codeKind, runnerKind, parallelism string
	var clusterID int64
	var priority int
	var dependsOn []int64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a single job",
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs := store.JobAttrs{
				Name:        name,
				WorkDir:     workDir,
				CodeKind:    codeKind,
				RunnerKind:  store.RunnerKind(runnerKind),
				Parallelism: parallelism,
			}
			if clusterID != 0 {
				attrs.ClusterID = &clusterID
			}
			id, err := deps.queue.Submit(cmd.Context(), attrs, dependsOn, priority)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "job work directory")
	cmd.Flags().StringVar(&codeKind, "code", "", "code kind to run")
	cmd.Flags().StringVar(&runnerKind, "runner", string(store.RunnerLocal), "runner kind: local|ssh|batch")
	cmd.Flags().StringVar(&parallelism, "parallelism", "", "opaque JSON parallelism spec")
	cmd.Flags().Int64Var(&clusterID, "cluster", 0, "cluster id (ssh/batch runners)")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher runs first")
	cmd.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "job ids this job depends on")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newCancelCmd(deps *ctlDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return deps.queue.Cancel(cmd.Context(), id)
		},
	}
}

func newListCmd(deps *ctlDeps) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := deps.store.GetJobsByStatus(cmd.Context(), store.JobStatus(status))
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%d\t%s\t%s\t%s\n", j.ID, j.Name, j.Status, j.RunnerKind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(store.JobPending), "status to filter by")
	return cmd
}

func newShowCmd(deps *ctlDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "show a job's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := deps.store.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("id:       %d\n", job.ID)
			fmt.Printf("name:     %s\n", job.Name)
			fmt.Printf("status:   %s\n", job.Status)
			fmt.Printf("runner:   %s\n", job.RunnerKind)
			fmt.Printf("work_dir: %s\n", job.WorkDir)
			fmt.Printf("handle:   %s\n", job.Handle)
			if job.Error != "" {
				fmt.Printf("error:    %s\n", job.Error)
			}
			return nil
		},
	}
}

func newWorkflowCmd(deps *ctlDeps) *cobra.Command {
	workflowCmd := &cobra.Command{Use: "workflow", Short: "workflow operations"}

	var dagPath, name string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "submit a workflow DAG",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(dagPath)
			if err != nil {
				return err
			}
			id, err := deps.orch.Submit(cmd.Context(), name, string(raw))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	submit.Flags().StringVar(&dagPath, "dag", "", "path to a workflow DAG YAML file")
	submit.Flags().StringVar(&name, "name", "", "workflow name")
	submit.MarkFlagRequired("dag")
	submit.MarkFlagRequired("name")

	workflowCmd.AddCommand(submit)
	return workflowCmd
}

func newClusterCmd(deps *ctlDeps) *cobra.Command {
	clusterCmd := &cobra.Command{Use: "cluster", Short: "cluster registration"}

	var name, kind, hostname, username, connConfig string
	var port, maxConcurrent int
	add := &cobra.Command{
		Use:   "add",
		Short: "register a remote cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := deps.store.CreateCluster(cmd.Context(), store.ClusterAttrs{
				Name:          name,
				Kind:          store.ClusterKind(kind),
				Hostname:      hostname,
				Port:          port,
				Username:      username,
				ConnConfig:    connConfig,
				MaxConcurrent: maxConcurrent,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "cluster name")
	add.Flags().StringVar(&kind, "kind", string(store.ClusterSSH), "cluster kind: ssh|batch")
	add.Flags().StringVar(&hostname, "host", "", "hostname")
	add.Flags().IntVar(&port, "port", 22, "SSH port")
	add.Flags().StringVar(&username, "user", "", "SSH username")
	add.Flags().StringVar(&connConfig, "conn-config", "{}", "opaque JSON connection config")
	add.Flags().IntVar(&maxConcurrent, "max-concurrent", 1, "max concurrent jobs on this cluster")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("host")

	remove := &cobra.Command{
		Use:   "remove <cluster-id>",
		Short: "deactivate a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return deps.store.DeactivateCluster(cmd.Context(), id)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list registered clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			clusters, err := deps.store.ListClusters(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, c := range clusters {
				fmt.Printf("%d\t%s\t%s\t%s:%d\tactive=%v\n", c.ID, c.Name, c.Kind, c.Hostname, c.Port, c.Active)
			}
			return nil
		},
	}

	clusterCmd.AddCommand(add, remove, list)
	return clusterCmd
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, coreerr.NewValidationError("id", fmt.Sprintf("invalid id %q", s))
	}
	return id, nil
}
