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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/procvisor/procvisor"
	"github.com/procvisor/procvisor/procvisor/util"
	"github.com/procvisor/procvisor/rest"
)

func encode(out io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q", format)
}

func printStatus(out io.Writer, format string, groups []*rest.GroupInfo) error {
	if done, err := encode(out, format, groups); done {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tINSTANCES\tRESTARTS\tFAILURES\tUPTIME\tDETAIL")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			g.Name, g.State, util.Instances(g), g.Restarts, g.Failures,
			util.FormatDuration(g.Uptime), g.Reason)
	}
	return tw.Flush()
}

func printGroup(out io.Writer, format string, g *rest.GroupInfo) error {
	if done, err := encode(out, format, g); done {
		return err
	}
	if err := printStatus(out, format, []*rest.GroupInfo{g}); err != nil {
		return err
	}
	if g.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", g.LastError)
	}
	if len(g.Instances) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INST\tPID\tSTATE\tPORT\tRESTARTS\tUPTIME\tCOMMAND")
	for _, i := range g.Instances {
		port := "-"
		if i.Port != 0 {
			port = fmt.Sprint(i.Port)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			i.Index, i.Pid, i.State, port, i.Restarts,
			util.FormatDuration(i.Uptime), i.Command)
	}
	return tw.Flush()
}

// printCheck shows what each group would run, with counts resolved
// against the given parallelism.
func printCheck(out io.Writer, cfg *procvisor.Config, parallelism int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tINSTANCES\tPORTS\tWATCH\tCOMMAND")
	for _, g := range cfg.Groups {
		n, err := procvisor.Resolve(g, parallelism)
		if err != nil {
			return err
		}
		ports := "-"
		switch g.PortMode {
		case procvisor.PortShared:
			ports = fmt.Sprintf("%d shared", g.Port)
		case procvisor.PortPerInstance:
			ports = fmt.Sprintf("%d-%d", g.PortFor(0), g.PortFor(n-1))
		}
		watch := "no"
		if g.Watch {
			watch = "yes"
			if len(g.WatchPatterns) > 0 {
				watch = strings.Join(g.WatchPatterns, ",")
			}
		}
		fmt.Fprintf(tw, "%s\t%d (%s)\t%s\t%s\t%s\n",
			g.Name, n, g.Instances, ports, watch,
			strings.Join(procvisor.Command(g, 0), " "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "control API on %s\n", cfg.Supervisor.Listen)
	return nil
}
