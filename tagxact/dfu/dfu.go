/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package dfu runs firmware updates against a connected peripheral.  The
// Orchestrator owns session bookkeeping and event ordering; the wire protocol
// lives behind the Transfer interface.
package dfu

import (
	"context"

	"github.com/starlinx/tagmgr/tagxact/fwpkg"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type State int

const (
	STATE_CONNECTING State = iota
	STATE_STARTING
	STATE_ENABLING_DFU_MODE
	STATE_UPLOADING
	STATE_VALIDATING
	STATE_DISCONNECTING
	STATE_COMPLETED
	STATE_ABORTED
	STATE_FAILED
)

var stateNameMap = map[State]string{
	STATE_CONNECTING:        "connecting",
	STATE_STARTING:          "starting",
	STATE_ENABLING_DFU_MODE: "enabling_dfu_mode",
	STATE_UPLOADING:         "uploading",
	STATE_VALIDATING:        "validating",
	STATE_DISCONNECTING:     "disconnecting",
	STATE_COMPLETED:         "completed",
	STATE_ABORTED:           "aborted",
	STATE_FAILED:            "failed",
}

func (s State) String() string {
	if name, ok := stateNameMap[s]; ok {
		return name
	}
	return "???"
}

func (s State) Terminal() bool {
	return s >= STATE_COMPLETED
}

type Progress struct {
	// 1-based index of the part being sent.
	Part       int
	TotalParts int

	// Completion of the current part, 0-100.
	Percent int

	CurBytesPerSec float64
	AvgBytesPerSec float64
}

type Event struct {
	SessionId string
	PeerId    string
	State     State

	// Set on upload progress events only.
	Progress *Progress

	// Set on STATE_FAILED and STATE_ABORTED; always an
	// *tagxutil.UpdateSessionError.
	Err error
}

type Target struct {
	PeerId string
	Link   xport.Link
}

type Opts struct {
	// Enter the bootloader through the buttonless characteristic without
	// bonding.  Off unless explicitly requested.
	UnsafeButtonless bool

	// Called synchronously, in order, for every event of the session before
	// it is queued on the session's event channel.  Must not block.
	Listener func(ev Event)
}

// Receives state and progress reports from a Transfer.  Out-of-order reports
// are dropped.
type Reporter interface {
	State(st State)
	Progress(p Progress)
}

// Moves a firmware package onto the target.  Run returns once the device has
// been told to activate the new image, or on the first error.  Terminal
// states are reported by the Orchestrator, not the Transfer.
type Transfer interface {
	Run(ctx context.Context, tgt Target, pkg *fwpkg.Package, opts Opts,
		rep Reporter) error
}
