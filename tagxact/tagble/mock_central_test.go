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

package tagble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type mockAdapter struct {
	perm    bledefs.PermissionState
	openErr error
	central *mockCentral

	mtx   sync.Mutex
	opens int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		perm:    bledefs.PERMISSION_ALLOWED_ALWAYS,
		central: &mockCentral{},
	}
}

func (a *mockAdapter) CheckPermission() bledefs.PermissionState {
	return a.perm
}

func (a *mockAdapter) Open(sink xport.EventSink) (xport.Central, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.openErr != nil {
		return nil, a.openErr
	}
	a.opens++
	a.central.setSink(sink)
	return a.central, nil
}

func (a *mockAdapter) openCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.opens
}

type mockCentral struct {
	mtx sync.Mutex

	sink xport.EventSink

	failConnect bool
	scanErr     error

	scans       [][]string
	stopScans   int
	connects    []string
	cancels     []string
	svcDiscs    int
	chrDiscs    int
	notifies    []string
	writes      [][]byte
	writeConfrm []bool
	closes      int
}

func (c *mockCentral) setSink(sink xport.EventSink) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.sink = sink
}

func (c *mockCentral) emit(ev xport.Event) {
	c.mtx.Lock()
	sink := c.sink
	c.mtx.Unlock()

	sink(ev)
}

func (c *mockCentral) Scan(svcFilter []string, allowDup bool) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !allowDup {
		return fmt.Errorf("scan without duplicates")
	}
	c.scans = append(c.scans, svcFilter)
	return c.scanErr
}

func (c *mockCentral) StopScan() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.stopScans++
	return nil
}

func (c *mockCentral) Connect(peerId string) error {
	c.mtx.Lock()
	c.connects = append(c.connects, peerId)
	fail := c.failConnect
	sink := c.sink
	c.mtx.Unlock()

	if fail {
		go sink(&xport.ConnectFailedEvt{
			PeerId: peerId,
			Err:    fmt.Errorf("connection refused"),
		})
	}
	return nil
}

func (c *mockCentral) CancelConnect(peerId string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.cancels = append(c.cancels, peerId)
	return nil
}

func (c *mockCentral) DiscoverSvcs(peerId string, filter []string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.svcDiscs++
	return nil
}

func (c *mockCentral) DiscoverChrs(peerId string, svcId string,
	filter []string) error {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.chrDiscs++
	return nil
}

func (c *mockCentral) SetNotify(peerId string, chrId string,
	enabled bool) error {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.notifies = append(c.notifies, chrId)
	return nil
}

func (c *mockCentral) Write(peerId string, chrId string, data []byte,
	confirm bool) error {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.writes = append(c.writes, append([]byte(nil), data...))
	c.writeConfrm = append(c.writeConfrm, confirm)
	return nil
}

func (c *mockCentral) Link(peerId string) (xport.Link, error) {
	return &mockLink{peerId: peerId}, nil
}

func (c *mockCentral) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.closes++
	return nil
}

func (c *mockCentral) connectCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return len(c.connects)
}

func (c *mockCentral) stopScanCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.stopScans
}

func (c *mockCentral) closeCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.closes
}

type mockLink struct {
	peerId string

	mtx   sync.Mutex
	bytes int
}

func (l *mockLink) PeerId() string { return l.peerId }
func (l *mockLink) MtuOut() int    { return 64 }

func (l *mockLink) WriteChr(ctx context.Context, chrId string, data []byte,
	confirm bool) error {

	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.bytes += len(data)
	return nil
}

// Counts every background task it hands out.
type countingHost struct {
	*bgtask.StaticHost

	mtx   sync.Mutex
	begun int
}

func newCountingHost(background bool) *countingHost {
	return &countingHost{
		StaticHost: bgtask.NewStaticHost(background),
	}
}

func (h *countingHost) BeginTask(name string) (bgtask.Token, error) {
	h.mtx.Lock()
	h.begun++
	h.mtx.Unlock()

	return h.StaticHost.BeginTask(name)
}

func (h *countingHost) begunCount() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return h.begun
}

// Records every notification as a line of text, in delivery order.
type recObserver struct {
	mtx    sync.Mutex
	log    []string
	values [][]byte
}

func (o *recObserver) add(s string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	o.log = append(o.log, s)
}

func (o *recObserver) OnStatusChanged(status bledefs.ConnStatus) {
	o.add("status:" + status.String())
}

func (o *recObserver) OnDisconnected() {
	o.add("disconnected")
}

func (o *recObserver) OnValueRead(data []byte) {
	o.mtx.Lock()
	o.values = append(o.values, data)
	o.mtx.Unlock()

	o.add("value")
}

func (o *recObserver) OnUpdateProgress(part int, totalParts int, percent int) {
	o.add(fmt.Sprintf("progress:%d/%d:%d", part, totalParts, percent))
}

func (o *recObserver) OnUpdateStateChanged(state dfu.State) {
	o.add("dfu:" + state.String())
}

func (o *recObserver) OnStateChanged(from TagSesnState, to TagSesnState) {
	o.add("state:" + to.String())
}

// Returns the recorded lines that start with prefix.
func (o *recObserver) with(prefix string) []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	var lines []string
	for _, l := range o.log {
		if strings.HasPrefix(l, prefix) {
			lines = append(lines, l)
		}
	}
	return lines
}

func (o *recObserver) all() []string {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return append([]string(nil), o.log...)
}
