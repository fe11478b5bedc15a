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
	"os"
	"strings"
	"sync"

	"github.com/JuulLabs-OSS/ble"
	"github.com/JuulLabs-OSS/ble/examples/lib/dev"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

// Drives the host controller through the JuulLabs-OSS/ble stack.  The
// controller is opened on first use and stays open until Stop.
type BllAdapter struct {
	cfg XportCfg

	mtx    sync.Mutex
	dev    ble.Device
	devErr error
}

func NewBllAdapter(cfg XportCfg) *BllAdapter {
	return &BllAdapter{
		cfg: cfg,
	}
}

func (a *BllAdapter) device() (ble.Device, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}

	d, err := dev.NewDevice(a.cfg.CtlrName, deviceOpts(a.cfg)...)
	if err != nil {
		a.devErr = errors.Wrapf(err, "error opening BLE controller %s",
			a.cfg.CtlrName)
		return nil, a.devErr
	}

	if err := setConnParams(d); err != nil {
		d.Stop()
		a.devErr = err
		return nil, err
	}

	ble.SetDefaultDevice(d)
	a.dev = d
	a.devErr = nil

	log.Debugf("Opened BLE controller %s", a.cfg.CtlrName)
	return d, nil
}

// Maps a controller open failure to a permission state.
func devicePermission(err error) bledefs.PermissionState {
	if err == nil {
		return bledefs.PERMISSION_ALLOWED_ALWAYS
	}

	cause := errors.Cause(err)
	if os.IsPermission(cause) ||
		strings.Contains(cause.Error(), "not permitted") {

		return bledefs.PERMISSION_DENIED
	}

	return bledefs.PERMISSION_RESTRICTED
}

func (a *BllAdapter) CheckPermission() bledefs.PermissionState {
	return platformPermission(a)
}

func (a *BllAdapter) Open(sink xport.EventSink) (xport.Central, error) {
	if _, err := a.device(); err != nil {
		return nil, err
	}

	return newBllCentral(a, sink), nil
}

// Releases the host controller.
func (a *BllAdapter) Stop() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.dev == nil {
		return nil
	}

	err := a.dev.Stop()
	a.dev = nil
	return err
}
