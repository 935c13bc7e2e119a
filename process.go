// Copyright 2024 The Govisor Authors
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

package appvisor

import (
	"os"
	"time"
)

// Process is a running worker as seen by the Supervisor.
//
// Channel carries messages in both directions.  It reaches EOF when the
// process exits.  Wait blocks until the process has exited and been reaped,
// and may be called more than once.
type Process interface {
	Pid() int
	Channel() *Channel
	Wait() Exited
	Signal(os.Signal) error
	Kill() error
}

// Spawner starts worker processes.  args are appended to the command line
// (the Supervisor passes the encoded ForkOptions), env to the environment.
type Spawner interface {
	Spawn(args []string, env []string) (Process, error)
}

// limiter refuses more than limit starts within period.  A zero limit
// never refuses.
type limiter struct {
	limit  int
	period time.Duration
	times  []time.Time
	starts int
	noted  bool // cool down already reported
}

func newLimiter(limit int, period time.Duration) *limiter {
	if limit < 0 {
		limit = 0
	}
	return &limiter{
		limit:  limit,
		period: period,
		times:  make([]time.Time, limit),
	}
}

// tooQuickly records a start at now and returns zero, or returns how long
// to wait before trying again.  The first refusal of a cool down period
// is reported via first.
func (l *limiter) tooQuickly(now time.Time) (wait time.Duration, first bool) {
	if l.limit == 0 {
		return 0, false
	}
	if l.starts >= l.limit {
		// The slot we are about to overwrite holds the oldest start.
		end := l.times[l.starts%l.limit].Add(l.period)
		if now.Before(end) {
			first = !l.noted
			l.noted = true
			return end.Sub(now), first
		}
	}
	l.noted = false
	l.times[l.starts%l.limit] = now
	l.starts++
	return 0, false
}
