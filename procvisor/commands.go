// Copyright 2026 The Procvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/procvisor/procvisor"
	"github.com/procvisor/procvisor/procvisor/ui"
	"github.com/procvisor/procvisor/rest"
)

// opTimeout bounds remote operations.  Rolling restarts of big groups
// are slow, so it is generous.
const opTimeout = 10 * time.Minute

// remote runs fn against the control API with a context that is
// cancelled on interrupt.
func remote(fn func(ctx context.Context, c *rest.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, tcancel := context.WithTimeout(ctx, opTimeout)
	defer tcancel()
	return fn(ctx, c)
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [group]",
		Short: "Run the supervisor, or start a stopped group",
		Long: "With no argument, load the configuration and run every group in the\n" +
			"foreground until interrupted.  With a group name, ask the running\n" +
			"supervisor to start that group.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runDaemon(config)
			}
			return remote(func(ctx context.Context, c *rest.Client) error {
				return c.StartGroup(ctx, args[0])
			})
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [group]",
		Short: "Stop a group, or every group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(func(ctx context.Context, c *rest.Client) error {
				if len(args) == 0 {
					return c.StopAll(ctx)
				}
				return c.StopGroup(ctx, args[0])
			})
		},
	}
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [group]",
		Short: "Rolling restart of a group, or every running group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(func(ctx context.Context, c *rest.Client) error {
				if len(args) == 0 {
					return c.RestartAll(ctx)
				}
				return c.RestartGroup(ctx, args[0])
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status [group]",
		Short: "Show instance counts, state, restarts and uptime",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return remote(func(ctx context.Context, c *rest.Client) error {
				if len(args) == 1 {
					g, err := c.GetGroup(ctx, args[0])
					if err != nil {
						return err
					}
					return printGroup(out, format, g)
				}
				groups, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printStatus(out, format, groups)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func newLogCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "log [group]",
		Short: "Show the output of a group, or the supervisor log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return printLog(ctx, cmd.OutOrStdout(), c, name, follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

// printLog prints the log, and with follow, every record added later.
func printLog(ctx context.Context, out io.Writer, c *rest.Client, name string, follow bool) error {
	info, err := c.GetLog(ctx, name)
	if err != nil {
		return err
	}
	var last int64
	for {
		for _, r := range info.Records {
			if r.Id > last {
				fmt.Fprintf(out, "%s %s\n", r.Time.Format(time.StampMilli), r.Text)
				last = r.Id
			}
		}
		if !follow {
			return nil
		}
		next, err := c.WatchLog(ctx, name, info, 60)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		info = next
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Stop every group and exit the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return remote(func(ctx context.Context, c *rest.Client) error {
				return c.Shutdown(ctx)
			})
		},
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [group]",
		Short: "Validate the configuration file and show the resolved groups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := procvisor.LoadConfig(config)
			if err != nil {
				return err
			}
			if _, err := procvisor.NewSupervisor(cfg.Supervisor.Name, cfg.Groups); err != nil {
				return err
			}
			if len(args) > 0 {
				g := cfg.Group(args[0])
				if g == nil {
					return fmt.Errorf("%s: %w", args[0], procvisor.ErrNoGroup)
				}
				one := *cfg
				one.Groups = []*procvisor.GroupSpec{g}
				cfg = &one
			}
			return printCheck(cmd.OutOrStdout(), cfg, procvisor.AvailableParallelism())
		},
	}
}

func newUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Full screen interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			app := ui.NewApp(c, addr)
			if err := app.Run(); err != nil {
				return fmt.Errorf("terminal: %w", err)
			}
			return nil
		},
	}
}

// isConfigError reports whether err came from a bad configuration.
func isConfigError(err error) bool {
	var ce *procvisor.ConfigError
	return errors.As(err, &ce)
}
