//go:build darwin || linux
// +build darwin linux

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

package bll

import (
	"context"
	"fmt"
	"sync"

	"github.com/JuulLabs-OSS/ble"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type scanParams struct {
	filter   []ble.UUID
	allowDup bool
}

type BllCentral struct {
	adapter *BllAdapter
	sink    xport.EventSink

	// Protects everything below.  Also held while calling the sink, so no
	// event is delivered after Close returns.
	mtx        sync.Mutex
	closed     bool
	scan       *scanParams
	scanCancel context.CancelFunc
	stopPower  context.CancelFunc
	peers      map[string]xport.Peripheral
	conns      map[string]*bllConn
}

func newBllCentral(a *BllAdapter, sink xport.EventSink) *BllCentral {
	c := &BllCentral{
		adapter: a,
		sink:    sink,
		peers:   map[string]xport.Peripheral{},
		conns:   map[string]*bllConn{},
	}
	c.stopPower = watchPower(a.cfg.HciIdx, func(on bool) {
		c.emit(&xport.PowerEvt{On: on})
	})

	return c
}

func (c *BllCentral) emit(ev xport.Event) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.closed {
		c.sink(ev)
	}
}

func (c *BllCentral) Scan(svcFilter []string, allowDup bool) error {
	filter, err := ParseUuids(svcFilter)
	if err != nil {
		return err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return tagxutil.NewXportError("scan on closed BLE transport")
	}

	c.stopScanNoLock()
	c.scan = &scanParams{
		filter:   filter,
		allowDup: allowDup,
	}
	c.startScanNoLock()

	return nil
}

func (c *BllCentral) startScanNoLock() {
	params := c.scan
	ctx, cancel := context.WithCancel(context.Background())
	c.scanCancel = cancel

	onAdv := func(a ble.Advertisement) {
		p := xport.Peripheral{
			Id:   a.Addr().String(),
			Addr: a.Addr().String(),
			Name: a.LocalName(),
		}

		c.mtx.Lock()
		c.peers[p.Id] = p
		c.mtx.Unlock()

		c.emit(&xport.DiscoveredEvt{
			Peer: p,
			Rssi: a.RSSI(),
		})
	}

	go func() {
		log.Debugf("Scanning for %d service(s)", len(params.filter))
		err := ble.Scan(ctx, params.allowDup, onAdv, advFilter(params.filter))
		if err != nil && !tmutil.ErrorCausedBy(err, context.Canceled) {
			log.Errorf("BLE scan failed: %s", err.Error())
		}
	}()
}

func (c *BllCentral) stopScanNoLock() {
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

func (c *BllCentral) StopScan() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.stopScanNoLock()
	c.scan = nil
	return nil
}

// Restarts a scan that was paused for a connection attempt.
func (c *BllCentral) resumeScan() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.closed && c.scan != nil && c.scanCancel == nil {
		log.Debugf("Resuming scan")
		c.startScanNoLock()
	}
}

func (c *BllCentral) addr(peerId string) ble.Addr {
	if p, ok := c.peers[peerId]; ok && p.Addr != "" {
		return ble.NewAddr(p.Addr)
	}
	return ble.NewAddr(peerId)
}

func (c *BllCentral) Connect(peerId string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return tagxutil.NewXportError("connect on closed BLE transport")
	}
	if _, ok := c.conns[peerId]; ok {
		return tagxutil.FmtXportError(
			"connection to %s already in progress", peerId)
	}

	// Most controllers cannot initiate while scanning.
	c.stopScanNoLock()

	ctx, cancel := context.WithTimeout(context.Background(),
		c.adapter.cfg.ConnTimeout)
	bc := newBllConn(peerId, c.peers[peerId].Name, cancel)
	c.conns[peerId] = bc

	go c.dial(ctx, bc, c.addr(peerId))
	return nil
}

func (c *BllCentral) dropConn(bc *bllConn) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.conns[bc.peerId] == bc {
		delete(c.conns, bc.peerId)
	}
}

func (c *BllCentral) dial(ctx context.Context, bc *bllConn, addr ble.Addr) {
	defer bc.cancel()

	log.Debugf("Dialing %s", addr.String())
	cln, err := ble.Dial(ctx, addr)
	if err != nil {
		c.dropConn(bc)
		if tmutil.ErrorCausedBy(err, context.DeadlineExceeded) {
			err = fmt.Errorf("Failed to connect to peer after %s",
				c.adapter.cfg.ConnTimeout.String())
		}
		c.emit(&xport.ConnectFailedEvt{
			PeerId: bc.peerId,
			Err:    err,
		})
		c.resumeScan()
		return
	}

	if bc.isLocal() {
		c.dropConn(bc)
		cln.CancelConnection()
		return
	}

	mtu, err := exchangeMtu(cln, c.adapter.cfg.PreferredMtu)
	if err != nil {
		log.Debugf("MTU exchange with %s failed: %s", bc.peerId, err.Error())
		mtu = bledefs.BLE_ATT_MTU_DFLT
	}

	if err := bc.up(cln, int(mtu)); err != nil {
		c.dropConn(bc)
		cln.CancelConnection()
		c.emit(&xport.ConnectFailedEvt{
			PeerId: bc.peerId,
			Err:    err,
		})
		return
	}

	c.emit(&xport.ConnectedEvt{
		PeerId: bc.peerId,
	})

	go c.listenDisconnect(bc)
}

func (c *BllCentral) listenDisconnect(bc *bllConn) {
	<-bc.cln.Disconnected()
	bc.down()
	c.dropConn(bc)

	reason := bledefs.DISCONNECT_REASON_UNKNOWN
	if bc.isLocal() {
		reason = bledefs.DISCONNECT_REASON_NONE
	}

	log.Debugf("Disconnected from %s; reason=%s", bc.peerId, reason)
	c.emit(&xport.DisconnectedEvt{
		PeerId: bc.peerId,
		Name:   bc.name,
		Reason: reason,
	})
}

func (c *BllCentral) CancelConnect(peerId string) error {
	c.mtx.Lock()
	bc := c.conns[peerId]
	c.mtx.Unlock()

	if bc != nil {
		bc.terminate()
	}
	return nil
}

func (c *BllCentral) connected(peerId string) (*bllConn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil, tagxutil.NewXportError("BLE transport closed")
	}

	bc := c.conns[peerId]
	if bc == nil || bc.client() == nil {
		return nil, tagxutil.FmtXportError("not connected to %s", peerId)
	}

	return bc, nil
}

func (c *BllCentral) DiscoverSvcs(peerId string, filter []string) error {
	uuids, err := ParseUuids(filter)
	if err != nil {
		return err
	}

	bc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	return bc.post(func(cln ble.Client) {
		svcs, err := bc.discoverSvcs(cln, uuids)
		c.emit(&xport.SvcsDiscoveredEvt{
			PeerId: peerId,
			Svcs:   svcs,
			Err:    err,
		})
	})
}

func (c *BllCentral) DiscoverChrs(peerId string, svcId string,
	filter []string) error {

	uuids, err := ParseUuids(filter)
	if err != nil {
		return err
	}

	bc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	return bc.post(func(cln ble.Client) {
		chrs, err := bc.discoverChrs(cln, svcId, uuids)
		c.emit(&xport.ChrsDiscoveredEvt{
			PeerId: peerId,
			SvcId:  svcId,
			Chrs:   chrs,
			Err:    err,
		})
	})
}

func (c *BllCentral) SetNotify(peerId string, chrId string,
	enabled bool) error {

	bc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	onNotify := func(data []byte) {
		c.emit(&xport.ValueEvt{
			PeerId: peerId,
			ChrId:  chrId,
			Data:   append([]byte(nil), data...),
		})
	}

	return bc.post(func(cln ble.Client) {
		err := bc.setNotify(cln, chrId, enabled, onNotify)
		c.emit(&xport.NotifyStateEvt{
			PeerId:  peerId,
			ChrId:   chrId,
			Enabled: enabled && err == nil,
			Err:     err,
		})
	})
}

func (c *BllCentral) Write(peerId string, chrId string, data []byte,
	confirm bool) error {

	bc, err := c.connected(peerId)
	if err != nil {
		return err
	}

	b := append([]byte(nil), data...)
	return bc.post(func(cln ble.Client) {
		err := bc.write(cln, chrId, b, confirm)
		c.emit(&xport.WriteEvt{
			PeerId: peerId,
			ChrId:  chrId,
			Err:    err,
		})
	})
}

func (c *BllCentral) Link(peerId string) (xport.Link, error) {
	bc, err := c.connected(peerId)
	if err != nil {
		return nil, err
	}

	return &bllLink{bc: bc}, nil
}

func (c *BllCentral) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	c.stopPower()
	c.stopScanNoLock()
	c.scan = nil

	conns := make([]*bllConn, 0, len(c.conns))
	for _, bc := range c.conns {
		conns = append(conns, bc)
	}
	c.conns = map[string]*bllConn{}
	c.mtx.Unlock()

	for _, bc := range conns {
		bc.terminate()
	}

	return nil
}
