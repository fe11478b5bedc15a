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

package tinyble

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/task"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type tinyConn struct {
	peerId string
	name   string
	dev    *bluetooth.Device
	local  bool
	svcs   []bluetooth.DeviceService
	chrs   map[string]bluetooth.DeviceCharacteristic
}

type TinyCentral struct {
	adapter *TinyAdapter
	sink    xport.EventSink

	// GATT procedures run here one at a time.
	q         *task.TaskQueue
	stopPower context.CancelFunc

	mtx      sync.Mutex
	closed   bool
	scanning bool
	scanGen  uint64
	filter   []bluetooth.UUID
	peers    map[string]bluetooth.ScanResult
	conns    map[string]*tinyConn
}

func newTinyCentral(a *TinyAdapter, sink xport.EventSink) *TinyCentral {
	return &TinyCentral{
		adapter:   a,
		sink:      sink,
		q:         task.NewTaskQueue("tinyble"),
		stopPower: func() {},
		peers:     map[string]bluetooth.ScanResult{},
		conns:     map[string]*tinyConn{},
	}
}

func (c *TinyCentral) emit(ev xport.Event) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.closed {
		c.sink(ev)
	}
}

func parseUuids(ss []string) ([]bluetooth.UUID, error) {
	uuids := make([]bluetooth.UUID, len(ss))
	for i, s := range ss {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, tagxutil.FmtXportError("invalid UUID: %s", s)
		}
		uuids[i] = u
	}
	return uuids, nil
}

func matchesAny(r bluetooth.ScanResult, filter []bluetooth.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range filter {
		if r.HasServiceUUID(u) {
			return true
		}
	}
	return false
}

// The stack always reports duplicates; allowDup is implied.
func (c *TinyCentral) Scan(svcFilter []string, allowDup bool) error {
	filter, err := parseUuids(svcFilter)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return tagxutil.NewXportError("scan on closed BLE transport")
	}

	c.filter = filter
	if c.scanning {
		return nil
	}
	c.scanning = true
	c.scanGen++
	gen := c.scanGen

	go func() {
		err := c.adapter.scanner.Scan(c.onScanResult)
		if err != nil {
			log.Errorf("BLE scan failed: %s", err.Error())
		}

		// A later run may already own the flag.
		c.mtx.Lock()
		if c.scanGen == gen {
			c.scanning = false
		}
		c.mtx.Unlock()
	}()

	return nil
}

func (c *TinyCentral) onScanResult(ad *bluetooth.Adapter,
	r bluetooth.ScanResult) {

	c.mtx.Lock()
	filter := c.filter
	c.mtx.Unlock()

	if !matchesAny(r, filter) {
		return
	}

	id := r.Address.String()

	c.mtx.Lock()
	c.peers[id] = r
	c.mtx.Unlock()

	c.emit(&xport.DiscoveredEvt{
		Peer: xport.Peripheral{
			Id:   id,
			Addr: id,
			Name: r.LocalName(),
		},
		Rssi: int(r.RSSI),
	})
}

func (c *TinyCentral) StopScan() error {
	c.mtx.Lock()
	scanning := c.scanning
	c.scanning = false
	c.scanGen++
	c.mtx.Unlock()

	if !scanning {
		return nil
	}
	return c.adapter.scanner.StopScan()
}

func (c *TinyCentral) Connect(peerId string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return tagxutil.NewXportError("connect on closed BLE transport")
	}
	if _, ok := c.conns[peerId]; ok {
		return tagxutil.FmtXportError(
			"connection to %s already in progress", peerId)
	}

	r, ok := c.peers[peerId]
	if !ok {
		return tagxutil.FmtXportError("unknown peripheral %s", peerId)
	}

	tc := &tinyConn{
		peerId: peerId,
		name:   r.LocalName(),
		chrs:   map[string]bluetooth.DeviceCharacteristic{},
	}
	c.conns[peerId] = tc

	go c.dial(tc, r.Address)
	return nil
}

func (c *TinyCentral) dropConn(tc *tinyConn) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.conns[tc.peerId] == tc {
		delete(c.conns, tc.peerId)
	}
}

func (c *TinyCentral) dial(tc *tinyConn, addr bluetooth.Address) {
	params := bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(c.adapter.cfg.ConnTimeout),
	}

	log.Debugf("Connecting to %s", tc.peerId)
	dev, err := c.adapter.ad.Connect(addr, params)
	if err != nil {
		c.dropConn(tc)
		c.emit(&xport.ConnectFailedEvt{
			PeerId: tc.peerId,
			Err:    err,
		})
		return
	}

	c.mtx.Lock()
	tc.dev = &dev
	local := tc.local
	c.mtx.Unlock()

	if local {
		c.dropConn(tc)
		dev.Disconnect()
		return
	}

	c.emit(&xport.ConnectedEvt{
		PeerId: tc.peerId,
	})
}

func (c *TinyCentral) onConnectChange(peerId string, connected bool) {
	if connected {
		return
	}

	c.mtx.Lock()
	tc := c.conns[peerId]
	c.mtx.Unlock()

	if tc == nil {
		return
	}
	c.dropConn(tc)

	reason := bledefs.DISCONNECT_REASON_UNKNOWN
	c.mtx.Lock()
	if tc.local {
		reason = bledefs.DISCONNECT_REASON_NONE
	}
	c.mtx.Unlock()

	log.Debugf("Disconnected from %s; reason=%s", peerId, reason)
	c.emit(&xport.DisconnectedEvt{
		PeerId: peerId,
		Name:   tc.name,
		Reason: reason,
	})
}

func (c *TinyCentral) CancelConnect(peerId string) error {
	c.mtx.Lock()
	tc := c.conns[peerId]
	if tc == nil {
		c.mtx.Unlock()
		return nil
	}
	tc.local = true
	dev := tc.dev
	c.mtx.Unlock()

	if dev == nil {
		// Connect cannot be interrupted; dial drops the link once it is up.
		return nil
	}
	return dev.Disconnect()
}

func (c *TinyCentral) connected(peerId string) (*tinyConn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil, tagxutil.NewXportError("BLE transport closed")
	}

	tc := c.conns[peerId]
	if tc == nil || tc.dev == nil {
		return nil, tagxutil.FmtXportError("not connected to %s", peerId)
	}
	return tc, nil
}

func (c *TinyCentral) post(fn func()) error {
	if !c.q.Post(fn) {
		return tagxutil.NewXportError("BLE transport closed")
	}
	return nil
}

func (c *TinyCentral) DiscoverSvcs(peerId string, filter []string) error {
	uuids, err := parseUuids(filter)
	if err != nil {
		return err
	}

	tc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	return c.post(func() {
		svcs, err := tc.dev.DiscoverServices(uuids)

		var ids []string
		if err == nil {
			c.mtx.Lock()
			tc.svcs = svcs
			c.mtx.Unlock()

			for _, s := range svcs {
				ids = append(ids, s.UUID().String())
			}
		}

		c.emit(&xport.SvcsDiscoveredEvt{
			PeerId: peerId,
			Svcs:   ids,
			Err:    err,
		})
	})
}

func (c *TinyCentral) findSvc(tc *tinyConn,
	svcId string) (bluetooth.DeviceService, bool) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, s := range tc.svcs {
		if bledefs.UuidsEqual(s.UUID().String(), svcId) {
			return s, true
		}
	}
	return bluetooth.DeviceService{}, false
}

func (c *TinyCentral) DiscoverChrs(peerId string, svcId string,
	filter []string) error {

	uuids, err := parseUuids(filter)
	if err != nil {
		return err
	}

	tc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	svc, ok := c.findSvc(tc, svcId)
	if !ok {
		return tagxutil.FmtXportError("service %s not discovered on %s",
			svcId, peerId)
	}

	return c.post(func() {
		chrs, err := svc.DiscoverCharacteristics(uuids)

		var out []xport.Chr
		if err == nil {
			c.mtx.Lock()
			for _, ch := range chrs {
				tc.chrs[bledefs.NormalizeUuid(ch.UUID().String())] = ch
			}
			c.mtx.Unlock()

			for _, ch := range chrs {
				out = append(out, xport.Chr{
					Uuid:  ch.UUID().String(),
					Flags: tinyChrFlags,
				})
			}
		}

		c.emit(&xport.ChrsDiscoveredEvt{
			PeerId: peerId,
			SvcId:  svcId,
			Chrs:   out,
			Err:    err,
		})
	})
}

// Looks up a characteristic, discovering every service of the peer if it
// is not known yet.
func (c *TinyCentral) lookupChr(tc *tinyConn,
	chrId string) (bluetooth.DeviceCharacteristic, error) {

	key := bledefs.NormalizeUuid(chrId)

	c.mtx.Lock()
	ch, ok := tc.chrs[key]
	c.mtx.Unlock()
	if ok {
		return ch, nil
	}

	svcs, err := tc.dev.DiscoverServices(nil)
	if err != nil {
		return ch, err
	}
	for _, s := range svcs {
		chrs, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			return ch, err
		}

		c.mtx.Lock()
		for _, d := range chrs {
			tc.chrs[bledefs.NormalizeUuid(d.UUID().String())] = d
		}
		c.mtx.Unlock()
	}

	c.mtx.Lock()
	ch, ok = tc.chrs[key]
	c.mtx.Unlock()
	if !ok {
		return ch, tagxutil.FmtXportError(
			"peer %s has no characteristic %s", tc.peerId, chrId)
	}
	return ch, nil
}

func (c *TinyCentral) SetNotify(peerId string, chrId string,
	enabled bool) error {

	tc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	var onNotify func(buf []byte)
	if enabled {
		onNotify = func(buf []byte) {
			c.emit(&xport.ValueEvt{
				PeerId: peerId,
				ChrId:  chrId,
				Data:   append([]byte(nil), buf...),
			})
		}
	}

	return c.post(func() {
		ch, err := c.lookupChr(tc, chrId)
		if err == nil {
			err = ch.EnableNotifications(onNotify)
		}

		c.emit(&xport.NotifyStateEvt{
			PeerId:  peerId,
			ChrId:   chrId,
			Enabled: enabled && err == nil,
			Err:     err,
		})
	})
}

func (c *TinyCentral) write(tc *tinyConn, chrId string, data []byte,
	confirm bool) error {

	ch, err := c.lookupChr(tc, chrId)
	if err != nil {
		return err
	}

	return c.writeChr(tc, ch, data, confirm)
}

func (c *TinyCentral) Write(peerId string, chrId string, data []byte,
	confirm bool) error {

	tc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	b := append([]byte(nil), data...)
	return c.post(func() {
		err := c.write(tc, chrId, b, confirm)
		c.emit(&xport.WriteEvt{
			PeerId: peerId,
			ChrId:  chrId,
			Err:    err,
		})
	})
}

func (c *TinyCentral) Link(peerId string) (xport.Link, error) {
	tc, err := c.connected(peerId)
	if err != nil {
		return nil, err
	}

	return &tinyLink{
		c:  c,
		tc: tc,
	}, nil
}

func (c *TinyCentral) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	scanning := c.scanning

	var devs []*bluetooth.Device
	for _, tc := range c.conns {
		tc.local = true
		if tc.dev != nil {
			devs = append(devs, tc.dev)
		}
	}
	c.conns = map[string]*tinyConn{}
	c.mtx.Unlock()

	c.stopPower()
	c.adapter.release(c)
	if scanning {
		c.adapter.scanner.StopScan()
	}
	for _, d := range devs {
		d.Disconnect()
	}
	c.q.StopNoWait(fmt.Errorf("BLE transport closed"))

	return nil
}

type tinyLink struct {
	c  *TinyCentral
	tc *tinyConn
}

func (l *tinyLink) PeerId() string {
	return l.tc.peerId
}

func (l *tinyLink) MtuOut() int {
	l.c.mtx.Lock()
	chrs := make([]bluetooth.DeviceCharacteristic, 0, len(l.tc.chrs))
	for _, ch := range l.tc.chrs {
		chrs = append(chrs, ch)
	}
	l.c.mtx.Unlock()

	for _, ch := range chrs {
		if mtu, err := ch.GetMTU(); err == nil && mtu > 0 {
			return int(mtu) - bledefs.BLE_WRITE_CMD_BASE_SZ
		}
	}
	return bledefs.BLE_ATT_MTU_DFLT - bledefs.BLE_WRITE_CMD_BASE_SZ
}

func (l *tinyLink) WriteChr(ctx context.Context, chrId string, data []byte,
	confirm bool) error {

	ch := l.c.q.Enqueue(func() error {
		return l.c.write(l.tc, chrId, data, confirm)
	})

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
