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

// Package xport defines the boundary between the tag session and a host
// BLE stack.  A stack implements Adapter; everything it observes is reported
// back as an Event on the sink passed to Adapter.Open.
package xport

import (
	"context"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

type Peripheral struct {
	Id   string
	Addr string
	Name string
}

type Chr struct {
	Uuid  string
	Flags bledefs.BleChrFlags
}

// Event is one of the *Evt types below.  The set is closed; consumers type
// switch over it.
type Event interface {
	xportEvent()
}

type DiscoveredEvt struct {
	Peer Peripheral
	Rssi int
}

type ConnectedEvt struct {
	PeerId string
}

type ConnectFailedEvt struct {
	PeerId string
	Err    error
}

type DisconnectedEvt struct {
	PeerId string

	// Advertised name of the peripheral at the time of the disconnect.
	Name   string
	Reason bledefs.DisconnectReason
	Err    error
}

type SvcsDiscoveredEvt struct {
	PeerId string
	Svcs   []string
	Err    error
}

type ChrsDiscoveredEvt struct {
	PeerId string
	SvcId  string
	Chrs   []Chr
	Err    error
}

type NotifyStateEvt struct {
	PeerId  string
	ChrId   string
	Enabled bool
	Err     error
}

type WriteEvt struct {
	PeerId string
	ChrId  string
	Err    error
}

type ValueEvt struct {
	PeerId string
	ChrId  string
	Data   []byte
	Err    error
}

type PowerEvt struct {
	On bool
}

func (*DiscoveredEvt) xportEvent()     {}
func (*ConnectedEvt) xportEvent()      {}
func (*ConnectFailedEvt) xportEvent()  {}
func (*DisconnectedEvt) xportEvent()   {}
func (*SvcsDiscoveredEvt) xportEvent() {}
func (*ChrsDiscoveredEvt) xportEvent() {}
func (*NotifyStateEvt) xportEvent()    {}
func (*WriteEvt) xportEvent()          {}
func (*ValueEvt) xportEvent()          {}
func (*PowerEvt) xportEvent()          {}

// Receives events from a Central.  May be called from any goroutine; must not
// block.
type EventSink func(ev Event)

// A live transport session.  Every request is asynchronous: a nil return only
// means the request was issued, and its outcome arrives later as an Event.
type Central interface {
	Scan(svcFilter []string, allowDup bool) error
	StopScan() error
	Connect(peerId string) error
	CancelConnect(peerId string) error
	DiscoverSvcs(peerId string, filter []string) error
	DiscoverChrs(peerId string, svcId string, filter []string) error
	SetNotify(peerId string, chrId string, enabled bool) error
	Write(peerId string, chrId string, data []byte, confirm bool) error

	// Returns a synchronous handle to a connected peripheral.  Building the
	// handle performs no radio traffic.
	Link(peerId string) (Link, error)

	// Releases the session.  No events are delivered after Close returns.
	Close() error
}

// Synchronous access to one connected peripheral; used for bulk transfers.
type Link interface {
	PeerId() string

	// Maximum payload of a single write.
	MtuOut() int
	WriteChr(ctx context.Context, chrId string, data []byte,
		confirm bool) error
}

type Adapter interface {
	CheckPermission() bledefs.PermissionState
	Open(sink EventSink) (Central, error)
}
