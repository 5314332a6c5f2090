// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package timeutil

import (
	"sync"
	"time"
)

// Timer is a resettable one-shot timer which does not fire until Start is
// called, unlike the time package Timer which starts firing on creation.
type Timer struct {
	C <-chan time.Time

	d time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	started bool
}

// NewTimer creates a new Timer which fires d after Start is called.
func NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	if !t.Stop() {
		<-t.C
	}
	return &Timer{
		C:     t.C,
		d:     d,
		timer: t,
	}
}

// Start starts the countdown to firing. Returns false if the timer has already
// been started.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return false
	}
	t.timer.Reset(t.d)
	t.started = true
	return true
}

// Cancel stops a started timer from firing. Returns false if the timer has not
// been started or has already fired.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return false
	}
	t.started = false
	if !t.timer.Stop() {
		select {
		case <-t.C:
		default:
		}
		return false
	}
	return true
}
