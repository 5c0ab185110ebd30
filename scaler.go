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

package procvisor

import (
	"runtime"
)

// AvailableParallelism returns the number of CPUs usable by this process.
func AvailableParallelism() int {
	return runtime.NumCPU()
}

// Resolve returns the number of instances to run for the group.  A fixed
// count is returned unchanged and must be at least one.  Auto yields
// parallelism, but never less than one.  With per-instance ports, every
// instance's port must be valid.
func Resolve(g *GroupSpec, parallelism int) (int, error) {
	n := g.Instances.Count
	if g.Instances.Auto {
		n = max(parallelism, 1)
	} else if n < 1 {
		return 0, configErrorf(g.Name, "instances", "count %d is less than 1", n)
	}
	if last := g.PortFor(n - 1); last > 65535 {
		return 0, configErrorf(g.Name, "port", "%d instances from port %d run past 65535", n, g.Port)
	}
	return n, nil
}
