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
	"time"

	"github.com/cenkalti/backoff/v5"
)

// restartBudget tracks the restarts of one instance slot.  Restart times
// live in a ring sized to the budget; once it is full, the oldest entry
// tells whether the whole budget was spent inside the window.
type restartBudget struct {
	policy RestartPolicy
	times  []time.Time
	n      int // restarts ever recorded
	bo     *backoff.ExponentialBackOff
}

func newRestartBudget(p RestartPolicy) *restartBudget {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BackoffBase
	bo.Multiplier = p.BackoffMultiplier
	bo.MaxInterval = p.BackoffMax
	bo.RandomizationFactor = 0
	bo.Reset()
	return &restartBudget{
		policy: p,
		times:  make([]time.Time, p.MaxRestarts),
		bo:     bo,
	}
}

// exhausted reports whether MaxRestarts restarts already happened within
// the window ending at now.
func (b *restartBudget) exhausted(now time.Time) bool {
	size := len(b.times)
	if size == 0 {
		return true
	}
	if b.n < size {
		return false
	}
	oldest := b.times[b.n%size]
	return now.Before(oldest.Add(b.policy.Window))
}

// next records a restart at now and returns how long to wait before it.
// It returns false, recording nothing, when the budget is spent.
func (b *restartBudget) next(now time.Time) (time.Duration, bool) {
	if b.exhausted(now) {
		return 0, false
	}
	b.times[b.n%len(b.times)] = now
	b.n++
	d := b.bo.NextBackOff()
	if d < 0 {
		d = b.policy.BackoffMax
	}
	return d, true
}

// recent counts the restarts within the window ending at now.
func (b *restartBudget) recent(now time.Time) int {
	cnt := 0
	for i := 0; i < len(b.times) && i < b.n; i++ {
		if now.Before(b.times[i].Add(b.policy.Window)) {
			cnt++
		}
	}
	return cnt
}

// stable is called once an instance reached Running; the next crash
// starts again from the base delay.
func (b *restartBudget) stable() {
	b.bo.Reset()
}
