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
// Command procvisor runs a supervisor, or talks to a running one.
//
// The flags are
//
//	-a <address>	- control API of the supervisor, default is
//			  http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//	-c <file>	- configuration file, default procvisor.yaml
//
// Subcommands are
//
//	start               - run the supervisor in the foreground
//	start <group>       - start a stopped group
//	stop [<group>]      - stop the named group (or all)
//	restart [<group>]   - rolling restart of the named group (or all)
//	status [<group>]    - show status for the named group (or all)
//	log [<group>]       - show the log of the group (or the supervisor)
//	kill                - stop everything and exit the supervisor
//	check [<group>]     - validate the configuration file (or one group)
//	ui                  - full screen interface
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/procvisor/procvisor"
	"github.com/procvisor/procvisor/rest"
)

var (
	addr   = "http://" + procvisor.DefaultListen
	auth   = ""
	config = "procvisor.yaml"
)

func init() {
	if a := os.Getenv("PROCVISOR_ADDR"); a != "" {
		addr = a
	}
}

func newClient() (*rest.Client, error) {
	client := rest.NewClient(nil, addr)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("bad user:pass supplied")
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "procvisor",
		Short:         "Run and control groups of worker processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&addr, "addr", "a", addr, "supervisor control address")
	flags.StringVarP(&auth, "user", "u", auth, "user:pass authentication")
	flags.StringVarP(&config, "config", "c", config, "configuration file")

	root.AddCommand(
		newStartCommand(),
		newStopCommand(),
		newRestartCommand(),
		newStatusCommand(),
		newLogCommand(),
		newKillCommand(),
		newCheckCommand(),
		newUICommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "procvisor: %v\n", err)
		if isConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
