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
package wire

import (
	"github.com/tristanperalta/riptide/lib/torrent/bencode"
)

// ExtendedHandshakeID is the reserved extension id of the BEP 10 handshake
// itself.
const ExtendedHandshakeID byte = 0

// ExtendedHandshake is the bencoded payload of EXTENDED id 0.
type ExtendedHandshake struct {
	// M maps extension names to the ids the sender assigned them.
	M map[string]int64

	// V is the sender's client version string.
	V string

	// P is the sender's listen port.
	P int

	// Reqq is the number of outstanding requests the sender will queue.
	Reqq int

	// YourIP is the receiver's externally visible address, as the sender sees
	// it.
	YourIP []byte
}

// EncodeExtendedHandshake bencodes hs.
func EncodeExtendedHandshake(hs *ExtendedHandshake) []byte {
	m := bencode.Dict{}
	for name, id := range hs.M {
		m[name] = bencode.Int(id)
	}
	d := bencode.Dict{"m": m}
	if hs.V != "" {
		d["v"] = bencode.String(hs.V)
	}
	if hs.P != 0 {
		d["p"] = bencode.Int(int64(hs.P))
	}
	if hs.Reqq != 0 {
		d["reqq"] = bencode.Int(int64(hs.Reqq))
	}
	if len(hs.YourIP) > 0 {
		d["yourip"] = bencode.String(hs.YourIP)
	}
	return bencode.Encode(d)
}

// DecodeExtendedHandshake parses the bencoded payload of EXTENDED id 0.
func DecodeExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return nil, protocolErrorf("extended handshake: %s", err)
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, protocolErrorf("extended handshake is not a dict")
	}
	hs := &ExtendedHandshake{M: make(map[string]int64)}
	if m, err := d.GetDict("m"); err == nil {
		for name, idv := range m {
			if id, ok := idv.(bencode.Int); ok {
				hs.M[name] = int64(id)
			}
		}
	}
	if s, err := d.GetString("v"); err == nil {
		hs.V = string(s)
	}
	if p, err := d.GetInt("p"); err == nil {
		hs.P = int(p)
	}
	if q, err := d.GetInt("reqq"); err == nil {
		hs.Reqq = int(q)
	}
	if ip, err := d.GetString("yourip"); err == nil {
		hs.YourIP = ip
	}
	return hs, nil
}
