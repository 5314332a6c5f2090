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
package merkle

import (
	"container/list"
	"sync"

	"github.com/c2h5oh/datasize"
)

// CacheConfig defines PieceLayerCache configuration.
type CacheConfig struct {
	// Capacity bounds the total byte footprint of cached trees.
	Capacity datasize.ByteSize `yaml:"capacity"`
}

func (c CacheConfig) applyDefaults() CacheConfig {
	if c.Capacity == 0 {
		c.Capacity = 50 * datasize.MB
	}
	return c
}

type cacheEntry struct {
	key  string
	tree *Tree
}

// PieceLayerCache builds and caches per-file hash trees from piece-layer
// digests, evicting least-recently-used trees once the configured byte
// capacity is exceeded.
type PieceLayerCache struct {
	mu       sync.Mutex
	config   CacheConfig
	lru      *list.List               // front = most recent
	entries  map[string]*list.Element // key -> *cacheEntry element
	numBytes uint64
}

// NewPieceLayerCache creates a new PieceLayerCache.
func NewPieceLayerCache(config CacheConfig) *PieceLayerCache {
	return &PieceLayerCache{
		config:  config.applyDefaults(),
		lru:     list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the tree built over the given piece-layer digests, keyed by
// file path. The tree is built on first access.
func (c *PieceLayerCache) Get(path string, layer []Digest) *Tree {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[path]; ok {
		c.lru.MoveToFront(e)
		return e.Value.(*cacheEntry).tree
	}
	t := BuildFromLeaves(layer)
	c.entries[path] = c.lru.PushFront(&cacheEntry{path, t})
	c.numBytes += t.NumBytes()
	c.evict()
	return t
}

// Len returns the number of cached trees.
func (c *PieceLayerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// NumBytes returns the total byte footprint of cached trees.
func (c *PieceLayerCache) NumBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numBytes
}

func (c *PieceLayerCache) evict() {
	for c.numBytes > uint64(c.config.Capacity) && c.lru.Len() > 1 {
		e := c.lru.Back()
		entry := c.lru.Remove(e).(*cacheEntry)
		delete(c.entries, entry.key)
		c.numBytes -= entry.tree.NumBytes()
	}
}
