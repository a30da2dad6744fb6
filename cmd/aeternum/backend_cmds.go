package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aeternum/internal/backend"
	"aeternum/internal/cli"
)

// withClient loads the config, builds the REST client and runs fn with a
// context canceled on shutdown signals.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *backend.Client) error) error {
	a, err := loadApp(cmd, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c, err := a.newBackendClient()
	if err != nil {
		return err
	}
	ctx, stop := shutdownContext(cmd.Context())
	defer stop()
	return fn(ctx, c)
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func newPreflightCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Run the backend's go/no-go checks; exits 1 on NO-GO",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				r, err := c.Preflight(ctx)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					if err := cli.PrintJSON(cmd.OutOrStdout(), r); err != nil {
						return err
					}
					if !r.Ready() {
						return exitCodeErr(1)
					}
					return nil
				}
				if code := cli.PrintPreflight(cmd.OutOrStdout(), r); code != 0 {
					return exitCodeErr(code)
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "print the raw result as JSON")
	return cmd
}

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agent states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				agents, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return cli.PrintJSON(cmd.OutOrStdout(), agents)
				}
				cli.PrintAgents(cmd.OutOrStdout(), agents)
				return nil
			})
		},
	}
	cmd.PersistentFlags().Bool("json", false, "print JSON")

	analyze := &cobra.Command{
		Use:   "analyze NAME",
		Short: "Ask one agent for a fresh analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				r, err := c.AnalyzeAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if wantJSON(cmd) {
					return cli.PrintJSON(cmd.OutOrStdout(), r)
				}
				cli.PrintAnalysis(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
	cmd.AddCommand(analyze)
	return cmd
}

func newBlackboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "blackboard TOPIC",
		Short: "Read one topic from the shared blackboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				e, err := c.QueryBlackboard(ctx, args[0])
				if err != nil {
					return err
				}
				return cli.PrintJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func newAIModeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ai-mode",
		Short: "Show the AI routing mode and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				s, err := c.AIMode(ctx)
				if err != nil {
					return err
				}
				cli.PrintAIMode(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:       "set MODE",
		Short:     "Switch between LOCAL_ONLY and LOCAL_EXTERNAL",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(backend.ModeLocalOnly), string(backend.ModeLocalExternal)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := backend.AIMode(strings.ToUpper(strings.ReplaceAll(args[0], "-", "_")))
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				s, err := c.SetAIMode(ctx, mode)
				if err != nil {
					return err
				}
				cli.PrintAIMode(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys stored by the backend"}

	status := &cobra.Command{
		Use:   "status",
		Short: "List configured services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				keys, err := c.KeysStatus(ctx)
				if err != nil {
					return err
				}
				cli.PrintKeys(cmd.OutOrStdout(), keys)
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:   "set SERVICE KEY",
		Short: "Store an API key for a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				if err := c.SetKey(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete SERVICE",
		Short: "Remove a service's API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				if err := c.DeleteKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
	test := &cobra.Command{
		Use:   "test SERVICE",
		Short: "Test one service's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				ks, err := c.TestKey(ctx, args[0])
				if err != nil {
					return err
				}
				cli.PrintKeys(cmd.OutOrStdout(), []backend.KeyStatus{ks})
				return nil
			})
		},
	}
	testAll := &cobra.Command{
		Use:   "test-all",
		Short: "Test every configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *backend.Client) error {
				r, err := c.TestAllKeys(ctx)
				if err != nil {
					return err
				}
				cli.PrintKeys(cmd.OutOrStdout(), r.Services)
				fmt.Fprintf(cmd.OutOrStdout(), "%d/%d configured, %d connected\n", r.Configured, r.Total, r.Connected)
				return nil
			})
		},
	}
	cmd.AddCommand(status, set, del, test, testAll)
	return cmd
}
