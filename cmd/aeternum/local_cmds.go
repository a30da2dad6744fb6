package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"aeternum/internal/cli"
	"aeternum/internal/config"
	"aeternum/internal/journal"
	"aeternum/internal/secrets"
)

func configPath(cmd *cobra.Command) string {
	flag, _ := cmd.Flags().GetString("config")
	return config.ResolvePath(flag)
}

func exitOn(code int) error {
	if code != 0 {
		return exitCodeErr(code)
	}
	return nil
}

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check config, endpoints, panels, paths and secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fix, _ := cmd.Flags().GetBool("fix")
			sm, err := newSecretsManager()
			if err != nil {
				sm = nil
			}
			return exitOn(cli.RunCheck(cli.CheckOptions{Path: configPath(cmd), Fix: fix, Secrets: sm}, cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().Bool("fix", false, "write default config and create missing directories")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Read or edit the config file"}
	run := func(action string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			opts := cli.ConfigOptions{Path: configPath(cmd), Action: action, Key: args[0]}
			if len(args) > 1 {
				opts.Value = args[1]
			}
			return exitOn(cli.RunConfig(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()))
		}
	}
	get := &cobra.Command{Use: "get KEY", Short: "Print a value (dotted path, e.g. backend.wsUrl)", Args: cobra.ExactArgs(1), RunE: run("get")}
	set := &cobra.Command{Use: "set KEY VALUE", Short: "Set a value; numbers, booleans and JSON are parsed", Args: cobra.ExactArgs(2), RunE: run("set")}
	unset := &cobra.Command{Use: "unset KEY", Short: "Remove a value so the default applies", Args: cobra.ExactArgs(1), RunE: run("unset")}
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the config JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath(cmd))
			return nil
		},
	}
	cmd.AddCommand(get, set, unset, schema, path)
	return cmd
}

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Store tokens encrypted, outside the config file"}
	set := &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Store a secret (backend_token or telegram_token)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.ValidateKey(args[0]); err != nil {
				return fmt.Errorf("%w: %q", err, args[0])
			}
			m, err := newSecretsManager()
			if err != nil {
				return err
			}
			if err := m.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Print a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newSecretsManager()
			if err != nil {
				return err
			}
			value, err := m.Get(args[0])
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					return fmt.Errorf("secret %q not found", args[0])
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newSecretsManager()
			if err != nil {
				return err
			}
			return m.Delete(args[0])
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List known secret names and whether each is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newSecretsManager()
			if err != nil {
				return err
			}
			stored, err := m.Keys()
			if err != nil {
				return err
			}
			have := map[string]bool{}
			for _, k := range stored {
				have[k] = true
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, k := range []string{secrets.KeyBackendToken, secrets.KeyTelegramToken} {
				state := "-"
				if have[k] {
					state = "stored"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k, state, secrets.KnownKeys[k])
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(set, get, del, list)
	return cmd
}

// openJournal loads the config and opens the journal it names.
func openJournal(cmd *cobra.Command) (*journal.Journal, error) {
	a, err := loadApp(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if a.cfg.Journal.URL == "" {
		return nil, errors.New("journal disabled: set journal.url in the config")
	}
	return journal.Open(cmd.Context(), a.cfg.Journal.URL, journal.WithLogger(a.logger))
}

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "journal", Short: "Inspect the notification and action journal"}
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest notifications and action results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("limit")
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()
			notes, err := j.RecentNotifications(cmd.Context(), n)
			if err != nil {
				return err
			}
			actions, err := j.RecentActions(cmd.Context(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			now := time.Now()
			fmt.Fprintln(out, "Notifications:")
			for _, nt := range notes {
				fmt.Fprintf(out, "  %-12s %-8s %s\n", humanize.RelTime(nt.Time, now, "ago", "from now"), nt.Level, nt.Message)
			}
			fmt.Fprintln(out, "Actions:")
			for _, e := range actions {
				mark := "ok"
				if !e.Success {
					mark = "failed"
				}
				fmt.Fprintf(out, "  %-12s %-6s %s: %s\n", humanize.RelTime(e.Time, now, "ago", "from now"), mark, e.Action, e.Result)
			}
			return nil
		},
	}
	recent.Flags().IntP("limit", "n", 20, "entries per section")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count stored entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()
			s, err := j.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s notifications, %s actions (%s failed)\n",
				humanize.Comma(int64(s.Notifications)), humanize.Comma(int64(s.Actions)), humanize.Comma(int64(s.Failed)))
			return nil
		},
	}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return errors.New("--older-than must be positive")
			}
			j, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer j.Close()
			n, err := j.Prune(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %s entries\n", humanize.Comma(n))
			return nil
		},
	}
	prune.Flags().Duration("older-than", 30*24*time.Hour, "age cutoff")
	cmd.AddCommand(recent, stats, prune)
	return cmd
}
