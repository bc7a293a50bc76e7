package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neurolm/engram/internal/api"
	"github.com/neurolm/engram/internal/app"
	"github.com/neurolm/engram/internal/config"
)

var version = "0.3.0"

func main() {
	api.Version = version
	root := &cobra.Command{
		Use:   "engram",
		Short: "Graph-backed conversational memory engine",
		Long: `engram stores conversational memories in a graph, retrieves them by
topic-scoped semantic search, and forgets them gradually through nightly
confidence decay.`,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(decayCmd())
	root.AddCommand(explainCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the nightly decay scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
}

func decayCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run one decay pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Decayer.Run(ctx, force)
				if err != nil {
					return err
				}
				if !report.Ran {
					fmt.Println("skipped: outside the maintenance hour (use --force to override)")
					return nil
				}
				fmt.Printf("examined %d, lowered %d, flagged %d (rate %.6f)\n",
					report.Examined, report.Lowered, report.Stamped, report.Rate)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even outside the maintenance hour")
	return cmd
}

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <memory-id>",
		Short: "Explain a memory's decay trajectory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				text, err := a.Explainer.Explain(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				memories, err := a.Repo.CountMemories(ctx)
				if err != nil {
					return err
				}
				topicLinks, err := a.Links.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("memories: %d\ntopic links: %d\n", memories, topicLinks)
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("engram " + version)
		},
	}
}
