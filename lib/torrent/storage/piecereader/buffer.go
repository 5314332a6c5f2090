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
package piecereader

import "bytes"

// Buffer is an in-memory storage.PieceReader.
type Buffer struct {
	reader *bytes.Reader
	length int
}

// NewBuffer creates a Buffer over b. The buffer does not copy b; callers must
// not mutate it.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{bytes.NewReader(b), len(b)}
}

// Read reads from the underlying buffer.
func (b *Buffer) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

// Close noops.
func (b *Buffer) Close() error {
	return nil
}

// Length returns the piece length.
func (b *Buffer) Length() int {
	return b.length
}
