package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aeternum/internal/banner"
	"aeternum/internal/cli"
	"aeternum/internal/gateway"
	"aeternum/internal/session"
)

// bannerOpts tune the startup art; tests make it instant.
var bannerOpts []banner.Option

// bindWaitIterations is the max loop count waiting for the mock backend to bind.
var bindWaitIterations = 50

func newTailCommand(bm buildMeta) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the transcript, notifications and action log as plain lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
				banner.Print(cmd.ErrOrStderr(), bm.Version, "tail", bannerOpts...)
			}
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			m := session.New(a.cfg.Backend.WSURL, append(a.sessionOptions(), session.WithSeed(nil))...)
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Stop()
			return cli.Follow(ctx, m, cli.NewPrinter(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().BoolP("quiet", "q", false, "skip the banner")
	return cmd
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one command and print the assistant's reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			m := session.New(a.cfg.Backend.WSURL, append(a.sessionOptions(), session.WithSeed(nil))...)
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Stop()

			reply, err := cli.SendAndWait(ctx, m, strings.Join(args, " "))
			if err != nil {
				if errors.Is(err, cli.ErrNoReply) {
					fmt.Fprintf(cmd.ErrOrStderr(), "no reply within %s\n", timeout)
					return exitCodeErr(1)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the connection and the reply")
	return cmd
}

func newMockBackendCommand(bm buildMeta) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve a scripted backend for demos and local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			gw := a.cfg.Gateway
			if cmd.Flags().Changed("port") {
				gw.Port, _ = cmd.Flags().GetInt("port")
			}
			delay, _ := cmd.Flags().GetDuration("chunk-delay")
			srv, err := gateway.NewServer(&gw, gateway.WithLogger(a.logger), gateway.WithChunkDelay(delay))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			banner.Print(out, bm.Version, "mock backend", bannerOpts...)
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			shutdown := make(chan struct{})
			runErr := make(chan error, 1)
			go func() { runErr <- srv.Run(shutdown) }()

			// Wait until the server has bound so "ready." means clients can connect.
			var bound string
			for i := 0; i < bindWaitIterations; i++ {
				if addr := srv.Addr(); addr != "" {
					bound = addr
					break
				}
				select {
				case err := <-runErr:
					return fmt.Errorf("mock backend: %w", err)
				case <-time.After(20 * time.Millisecond):
				}
			}
			if bound == "" {
				close(shutdown)
				if err := srv.ListenErr(); err != nil {
					return fmt.Errorf("mock backend failed to bind: %w", err)
				}
				return errors.New("mock backend failed to bind (check port or permissions)")
			}
			fmt.Fprintf(out, "  listen %s\n  ready.\n", bound)

			select {
			case <-ctx.Done():
				close(shutdown)
				return <-runErr
			case err := <-runErr:
				return err
			}
		},
	}
	cmd.Flags().IntP("port", "p", 0, "listen port (overrides gateway.port)")
	cmd.Flags().Duration("chunk-delay", 40*time.Millisecond, "pause between streamed reply chunks")
	return cmd
}
