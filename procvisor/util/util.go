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
// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"time"

	"github.com/procvisor/procvisor/rest"
)

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// Instances formats the running and desired instance counts.
func Instances(g *rest.GroupInfo) string {
	return fmt.Sprintf("%d/%d", g.Running, g.Desired)
}

// Severity orders group states, worst first.
func Severity(g *rest.GroupInfo) int {
	switch g.State {
	case "degraded":
		return 0
	case "partial", "starting":
		return 1
	case "running":
		return 2
	}
	return 3
}

type sorted []*rest.GroupInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if sa, sb := Severity(a), Severity(b); sa != sb {
		// put troubled groups at front
		return sa < sb
	}
	return a.Name < b.Name
}

func SortGroups(items []*rest.GroupInfo) {
	sort.Stable(sorted(items))
}
