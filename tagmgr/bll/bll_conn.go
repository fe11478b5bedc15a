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

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/task"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

// One connection to a peripheral.  GATT procedures are serialized through
// the connection's task queue.
type bllConn struct {
	peerId string
	name   string
	cancel context.CancelFunc
	q      *task.TaskQueue

	mtx   sync.Mutex
	cln   ble.Client
	mtu   int
	local bool
	svcs  []*ble.Service
	chrs  map[string]*ble.Characteristic
}

func newBllConn(peerId string, name string,
	cancel context.CancelFunc) *bllConn {

	return &bllConn{
		peerId: peerId,
		name:   name,
		cancel: cancel,
		q:      task.NewTaskQueue("bll-" + peerId),
		chrs:   map[string]*ble.Characteristic{},
	}
}

func (bc *bllConn) up(cln ble.Client, mtu int) error {
	if err := bc.q.Start(); err != nil {
		return err
	}

	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	bc.cln = cln
	bc.mtu = mtu
	return nil
}

func (bc *bllConn) down() {
	bc.q.StopNoWait(fmt.Errorf("disconnected from %s", bc.peerId))

	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	bc.cln = nil
}

func (bc *bllConn) client() ble.Client {
	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	return bc.cln
}

func (bc *bllConn) isLocal() bool {
	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	return bc.local
}

// Aborts a pending dial or drops an established link.
func (bc *bllConn) terminate() {
	bc.mtx.Lock()
	bc.local = true
	cln := bc.cln
	bc.mtx.Unlock()

	bc.cancel()
	if cln != nil {
		go func() {
			if err := cln.CancelConnection(); err != nil {
				log.Debugf("Failed to cancel connection to %s: %s",
					bc.peerId, err.Error())
			}
		}()
	}
}

// Queues a GATT procedure.  The procedure is skipped if the link drops
// first.
func (bc *bllConn) post(fn func(cln ble.Client)) error {
	ok := bc.q.Post(func() {
		if cln := bc.client(); cln != nil {
			fn(cln)
		}
	})
	if !ok {
		return tagxutil.FmtXportError("not connected to %s", bc.peerId)
	}

	return nil
}

// Runs a GATT procedure synchronously, giving up when ctx is done.
func (bc *bllConn) run(ctx context.Context,
	fn func(cln ble.Client) error) error {

	ch := bc.q.Enqueue(func() error {
		cln := bc.client()
		if cln == nil {
			return tagxutil.FmtXportError("not connected to %s", bc.peerId)
		}
		return fn(cln)
	})

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (bc *bllConn) discoverSvcs(cln ble.Client,
	filter []ble.UUID) ([]string, error) {

	svcs, err := cln.DiscoverServices(filter)
	if err != nil {
		return nil, err
	}

	bc.mtx.Lock()
	bc.svcs = svcs
	bc.mtx.Unlock()

	ids := make([]string, len(svcs))
	for i, s := range svcs {
		ids[i] = UuidString(s.UUID)
	}
	return ids, nil
}

func (bc *bllConn) findSvc(svcId string) *ble.Service {
	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	for _, s := range bc.svcs {
		if bledefs.UuidsEqual(UuidString(s.UUID), svcId) {
			return s
		}
	}
	return nil
}

func (bc *bllConn) addChrs(chrs []*ble.Characteristic) {
	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	for _, c := range chrs {
		bc.chrs[bledefs.NormalizeUuid(UuidString(c.UUID))] = c
	}
}

func (bc *bllConn) findChr(chrId string) *ble.Characteristic {
	bc.mtx.Lock()
	defer bc.mtx.Unlock()

	return bc.chrs[bledefs.NormalizeUuid(chrId)]
}

// Descriptors are needed for the CCCD of subscribable characteristics.
func discoverDscs(cln ble.Client, chrs []*ble.Characteristic) error {
	for _, c := range chrs {
		if ChrFlags(c.Property).CanNotify() && c.CCCD == nil {
			if _, err := cln.DiscoverDescriptors(nil, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (bc *bllConn) discoverChrs(cln ble.Client, svcId string,
	filter []ble.UUID) ([]xport.Chr, error) {

	svc := bc.findSvc(svcId)
	if svc == nil {
		return nil, tagxutil.FmtXportError(
			"service %s not discovered on %s", svcId, bc.peerId)
	}

	chrs, err := cln.DiscoverCharacteristics(filter, svc)
	if err != nil {
		return nil, err
	}
	if err := discoverDscs(cln, chrs); err != nil {
		return nil, err
	}
	bc.addChrs(chrs)

	out := make([]xport.Chr, len(chrs))
	for i, c := range chrs {
		out[i] = xport.Chr{
			Uuid:  UuidString(c.UUID),
			Flags: ChrFlags(c.Property),
		}
	}
	return out, nil
}

// Looks up a characteristic, discovering the full profile if it is not
// known yet.
func (bc *bllConn) lookupChr(cln ble.Client,
	chrId string) (*ble.Characteristic, error) {

	if c := bc.findChr(chrId); c != nil {
		return c, nil
	}

	log.Debugf("Discovering profile of %s", bc.peerId)
	p, err := cln.DiscoverProfile(true)
	if err != nil {
		return nil, err
	}
	for _, s := range p.Services {
		bc.addChrs(s.Characteristics)
	}

	if c := bc.findChr(chrId); c != nil {
		return c, nil
	}
	return nil, tagxutil.FmtXportError(
		"peer %s has no characteristic %s", bc.peerId, chrId)
}

func (bc *bllConn) setNotify(cln ble.Client, chrId string, enabled bool,
	onNotify ble.NotificationHandler) error {

	c, err := bc.lookupChr(cln, chrId)
	if err != nil {
		return err
	}

	// Indications only when the characteristic cannot notify.
	ind := c.Property&ble.CharNotify == 0
	if enabled {
		return cln.Subscribe(c, ind, onNotify)
	}
	return cln.Unsubscribe(c, ind)
}

func (bc *bllConn) write(cln ble.Client, chrId string, data []byte,
	confirm bool) error {

	c, err := bc.lookupChr(cln, chrId)
	if err != nil {
		return err
	}

	return cln.WriteCharacteristic(c, data, !confirm)
}

type bllLink struct {
	bc *bllConn
}

func (l *bllLink) PeerId() string {
	return l.bc.peerId
}

func (l *bllLink) MtuOut() int {
	l.bc.mtx.Lock()
	defer l.bc.mtx.Unlock()

	return l.bc.mtu - bledefs.BLE_WRITE_CMD_BASE_SZ
}

func (l *bllLink) WriteChr(ctx context.Context, chrId string, data []byte,
	confirm bool) error {

	return l.bc.run(ctx, func(cln ble.Client) error {
		return l.bc.write(cln, chrId, data, confirm)
	})
}
