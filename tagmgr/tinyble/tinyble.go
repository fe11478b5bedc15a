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

// Package tinyble implements the tag transport on tinygo.org/x/bluetooth,
// which talks to BlueZ over D-Bus on Linux and to CoreBluetooth on macOS.
package tinyble

import (
	"context"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type XportCfg struct {
	HciIdx      int
	ConnTimeout time.Duration
}

func NewXportCfg() XportCfg {
	return XportCfg{
		ConnTimeout: 10 * time.Second,
	}
}

// The scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(cb func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

type TinyAdapter struct {
	cfg     XportCfg
	ad      *bluetooth.Adapter
	scanner scanner

	mtx     sync.Mutex
	enabled bool
	cur     *TinyCentral
}

func NewTinyAdapter(cfg XportCfg) *TinyAdapter {
	return &TinyAdapter{
		cfg:     cfg,
		ad:      bluetooth.DefaultAdapter,
		scanner: bluetooth.DefaultAdapter,
	}
}

func (a *TinyAdapter) enable() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.enabled {
		return nil
	}

	if err := a.ad.Enable(); err != nil {
		return tagxutil.FmtXportError("error enabling BLE adapter: %s",
			err.Error())
	}

	// The stack supports a single connect handler; route it to whichever
	// central is open.
	a.ad.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		a.mtx.Lock()
		c := a.cur
		a.mtx.Unlock()

		if c != nil {
			c.onConnectChange(dev.Address.String(), connected)
		}
	})

	a.enabled = true
	log.Debugf("Enabled BLE adapter")
	return nil
}

func (a *TinyAdapter) CheckPermission() bledefs.PermissionState {
	if runtime.GOOS == "linux" {
		return bgtask.CheckBluezPermission(a.cfg.HciIdx)
	}

	if err := a.enable(); err != nil {
		log.Debugf("%s", err.Error())
		return bledefs.PERMISSION_RESTRICTED
	}
	return bledefs.PERMISSION_ALLOWED_ALWAYS
}

func (a *TinyAdapter) Open(sink xport.EventSink) (xport.Central, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}

	c := newTinyCentral(a, sink)

	a.mtx.Lock()
	a.cur = c
	a.mtx.Unlock()

	if err := c.q.Start(); err != nil {
		return nil, err
	}

	if runtime.GOOS == "linux" {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopPower = cancel
		err := bgtask.WatchBluezPower(ctx, a.cfg.HciIdx, func(on bool) {
			c.emit(&xport.PowerEvt{On: on})
		})
		if err != nil {
			log.Debugf("Not watching controller power: %s", err.Error())
		}
	}

	return c, nil
}

func (a *TinyAdapter) release(c *TinyCentral) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.cur == c {
		a.cur = nil
	}
}
