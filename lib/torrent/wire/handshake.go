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
	"bytes"
	"io"

	"github.com/tristanperalta/riptide/core"
)

const protocolName = "BitTorrent protocol"

// Reserved-byte capability bits.
const (
	reservedExtensionByte = 5
	reservedExtensionBit  = 0x10

	reservedTailByte = 7
	bitDHT           = 0x01
	bitFast          = 0x04
	bitV2            = 0x08
	bitLTEP          = 0x80
)

// ReservedBits is the 8-byte capability field of the protocol handshake.
type ReservedBits [8]byte

// SupportsExtension reports the BEP 10 extension protocol bit.
func (r ReservedBits) SupportsExtension() bool {
	return r[reservedExtensionByte]&reservedExtensionBit != 0
}

// SupportsDHT reports the DHT bit.
func (r ReservedBits) SupportsDHT() bool { return r[reservedTailByte]&bitDHT != 0 }

// SupportsFast reports the BEP 6 fast extension bit.
func (r ReservedBits) SupportsFast() bool { return r[reservedTailByte]&bitFast != 0 }

// SupportsV2 reports the BEP 52 upgrade bit.
func (r ReservedBits) SupportsV2() bool { return r[reservedTailByte]&bitV2 != 0 }

// SupportsLTEP reports the libtorrent extension reserved bit.
func (r ReservedBits) SupportsLTEP() bool { return r[reservedTailByte]&bitLTEP != 0 }

// SetExtension sets the BEP 10 extension protocol bit.
func (r *ReservedBits) SetExtension() { r[reservedExtensionByte] |= reservedExtensionBit }

// SetDHT sets the DHT bit.
func (r *ReservedBits) SetDHT() { r[reservedTailByte] |= bitDHT }

// SetFast sets the BEP 6 fast extension bit.
func (r *ReservedBits) SetFast() { r[reservedTailByte] |= bitFast }

// SetV2 sets the BEP 52 upgrade bit.
func (r *ReservedBits) SetV2() { r[reservedTailByte] |= bitV2 }

// SetLTEP sets the libtorrent extension reserved bit.
func (r *ReservedBits) SetLTEP() { r[reservedTailByte] |= bitLTEP }

// Handshake is the fixed 68-byte exchange which opens every peer connection.
type Handshake struct {
	Reserved ReservedBits
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// EncodeHandshake writes the 68-byte handshake to w.
func EncodeHandshake(w io.Writer, hs *Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, hs.Reserved[:]...)
	buf = append(buf, hs.InfoHash.Bytes()...)
	buf = append(buf, hs.PeerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// DecodeHandshake reads the 68-byte handshake from r.
func DecodeHandshake(r io.Reader) (*Handshake, error) {
	var buf [68]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	if buf[0] != byte(len(protocolName)) || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return nil, protocolErrorf("unrecognized protocol identifier")
	}
	hs := &Handshake{}
	copy(hs.Reserved[:], buf[20:28])
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}
