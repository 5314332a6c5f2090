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

// Package utp implements the micro Transport Protocol: a reliable, ordered,
// congestion-controlled byte stream over UDP, multiplexing many connections
// onto one socket. Connections satisfy net.Conn so the peer-wire layer can
// dial TCP and μTP interchangeably.
package utp

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the fixed μTP header length.
const headerSize = 20

// Packet types.
type packetType uint8

const (
	stData  packetType = 0
	stFin   packetType = 1
	stState packetType = 2
	stReset packetType = 3
	stSyn   packetType = 4
)

func (t packetType) String() string {
	switch t {
	case stData:
		return "ST_DATA"
	case stFin:
		return "ST_FIN"
	case stState:
		return "ST_STATE"
	case stReset:
		return "ST_RESET"
	case stSyn:
		return "ST_SYN"
	default:
		return fmt.Sprintf("ST_UNKNOWN(%d)", uint8(t))
	}
}

const protocolVersion = 1

// header is the 20-byte μTP packet header.
type header struct {
	typ           packetType
	extension     uint8
	connID        uint16
	timestampUs   uint32
	timestampDiff uint32
	wndSize       uint32
	seqNr         uint16
	ackNr         uint16
}

// packet joins a header with its payload. Payload is only present on ST_DATA.
type packet struct {
	header
	payload []byte
}

func (p *packet) encode() []byte {
	buf := make([]byte, headerSize+len(p.payload))
	buf[0] = byte(p.typ)<<4 | protocolVersion
	buf[1] = p.extension
	binary.BigEndian.PutUint16(buf[2:], p.connID)
	binary.BigEndian.PutUint32(buf[4:], p.timestampUs)
	binary.BigEndian.PutUint32(buf[8:], p.timestampDiff)
	binary.BigEndian.PutUint32(buf[12:], p.wndSize)
	binary.BigEndian.PutUint16(buf[16:], p.seqNr)
	binary.BigEndian.PutUint16(buf[18:], p.ackNr)
	copy(buf[headerSize:], p.payload)
	return buf
}

func decodePacket(buf []byte) (*packet, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("packet is %d bytes, expected at least %d", len(buf), headerSize)
	}
	version := buf[0] & 0x0f
	if version != protocolVersion {
		return nil, fmt.Errorf("unsupported version %d", version)
	}
	typ := packetType(buf[0] >> 4)
	if typ > stSyn {
		return nil, fmt.Errorf("unknown packet type %d", typ)
	}
	p := &packet{
		header: header{
			typ:           typ,
			extension:     buf[1],
			connID:        binary.BigEndian.Uint16(buf[2:]),
			timestampUs:   binary.BigEndian.Uint32(buf[4:]),
			timestampDiff: binary.BigEndian.Uint32(buf[8:]),
			wndSize:       binary.BigEndian.Uint32(buf[12:]),
			seqNr:         binary.BigEndian.Uint16(buf[16:]),
			ackNr:         binary.BigEndian.Uint16(buf[18:]),
		},
	}
	if len(buf) > headerSize {
		p.payload = append([]byte{}, buf[headerSize:]...)
	}
	return p, nil
}

// seqLessEq compares 16-bit sequence numbers with wraparound.
func seqLessEq(a, b uint16) bool {
	return int16(a-b) <= 0
}
