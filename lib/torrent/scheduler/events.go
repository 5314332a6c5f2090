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
package scheduler

import (
	"github.com/tristanperalta/riptide/core"
)

// Event names published on the session bus.
const (
	EventSessionStarted   = "session.started"
	EventSessionPaused    = "session.paused"
	EventSessionResumed   = "session.resumed"
	EventSessionCompleted = "session.completed"
	EventSessionStopped   = "session.stopped"
	EventSessionError     = "session.error"

	EventPieceCompleted  = "piece.completed"
	EventPieceHashFailed = "piece.hash_failed"

	EventPeerConnected    = "peer.connected"
	EventPeerDisconnected = "peer.disconnected"

	EventTrackerSuccess = "tracker.success"
	EventTrackerFailed  = "tracker.failed"

	EventStatsUpdate = "stats.update"
)

// SessionEvent is the payload of session.* events.
type SessionEvent struct {
	InfoHash core.InfoHash `json:"info_hash"`
	State    string        `json:"state"`
	Message  string        `json:"message,omitempty"`
}

// PieceCompletedEvent is the payload of piece.completed.
type PieceCompletedEvent struct {
	Index          int   `json:"index"`
	Size           int64 `json:"size"`
	CompletedCount int   `json:"completed_count"`
	TotalCount     int   `json:"total_count"`
}

// PieceHashFailedEvent is the payload of piece.hash_failed.
type PieceHashFailedEvent struct {
	Index int `json:"index"`
}

// PeerEvent is the payload of peer.connected / peer.disconnected.
type PeerEvent struct {
	Endpoint core.Endpoint `json:"endpoint"`
	PeerID   core.PeerID   `json:"peer_id,omitempty"`
}

// TrackerEvent is the payload of tracker.success / tracker.failed.
type TrackerEvent struct {
	URL       string `json:"url"`
	PeerCount int    `json:"peer_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatsEvent is the payload of stats.update, emitted at 1 Hz while the
// session runs.
type StatsEvent struct {
	Downloaded   int64   `json:"downloaded"`
	Uploaded     int64   `json:"uploaded"`
	DownloadRate int64   `json:"dl_rate"`
	UploadRate   int64   `json:"ul_rate"`
	Peers        int     `json:"peers"`
	Progress     float64 `json:"progress"`
}
