/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Periodic takes a snapshot at most once per cron schedule tick, regardless
// of batch size — useful for grains whose event rate is low enough that
// Every(N) would leave a snapshot stale for an unbounded wall-clock
// duration. Empty batches never snapshot.
type Periodic[E, V any] struct {
	schedule cron.Schedule

	mu   sync.Mutex
	next time.Time
}

// NewPeriodic parses spec with cron.ParseStandard: a standard five-field
// cron expression or a descriptor such as "@every 1h".
func NewPeriodic[E, V any](spec string) (*Periodic[E, V], error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Periodic[E, V]{
		schedule: schedule,
		next:     schedule.Next(now),
	}, nil
}

func (p *Periodic[E, V]) ShouldTakeSnapshot(_ V, _ int, events []E) bool {
	if len(events) == 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Before(p.next) {
		return false
	}
	p.next = p.schedule.Next(now)
	return true
}
