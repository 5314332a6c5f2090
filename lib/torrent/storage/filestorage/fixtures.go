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
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/tristanperalta/riptide/lib/torrent/metainfo"
)

// TorrentFixture creates an empty leecher Torrent for mi under a temp dir.
func TorrentFixture(mi *metainfo.MetaInfo) (*Torrent, func()) {
	dir, err := os.MkdirTemp("", "riptide-storage-")
	if err != nil {
		panic(err)
	}
	t, err := NewTorrent(Config{}, dir, mi)
	if err != nil {
		os.RemoveAll(dir)
		panic(err)
	}
	return t, func() { os.RemoveAll(dir) }
}

// SeededTorrentFixture creates a complete seeder Torrent for mi whose files
// hold the given contents (one blob per non-pad file, in order).
func SeededTorrentFixture(mi *metainfo.MetaInfo, contents [][]byte) (*Torrent, func()) {
	dir, err := os.MkdirTemp("", "riptide-storage-")
	if err != nil {
		panic(err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	i := 0
	for _, f := range mi.Files() {
		if f.Padding {
			continue
		}
		path := filepath.Join(append([]string{dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
			cleanup()
			panic(err)
		}
		if err := os.WriteFile(path, contents[i], 0644); err != nil {
			cleanup()
			panic(err)
		}
		i++
	}

	t, err := NewTorrent(Config{}, dir, mi)
	if err != nil {
		cleanup()
		panic(err)
	}
	return t, cleanup
}
