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
package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	require := require.New(t)

	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe("n", func(e Event) {
		mu.Lock()
		got = append(got, e.Payload.(int))
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Publish("n", i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(i, v)
	}
}

func TestSubscribersRunInSubscriptionOrder(t *testing.T) {
	require := require.New(t)

	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	b.Subscribe("n", func(Event) {
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	b.Subscribe("n", func(Event) {
		mu.Lock()
		got = append(got, "second")
		mu.Unlock()
		close(done)
	})

	b.Publish("n", nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal([]string{"first", "second"}, got)
}

func TestPublishFromHandlerIsNotReentrant(t *testing.T) {
	require := require.New(t)

	b := New()
	defer b.Close()

	var depth, maxDepth int
	done := make(chan struct{})
	b.Subscribe("a", func(Event) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		b.Publish("b", nil)
		depth--
	})
	b.Subscribe("b", func(Event) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		depth--
		close(done)
	})

	b.Publish("a", nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chained delivery")
	}
	require.Equal(1, maxDepth)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	require := require.New(t)

	b := New()
	var mu sync.Mutex
	var n int
	b.Subscribe("n", func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	for i := 0; i < 10; i++ {
		b.Publish("n", i)
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(10, n)
}
