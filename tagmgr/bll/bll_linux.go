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

	"github.com/JuulLabs-OSS/ble"
	"github.com/JuulLabs-OSS/ble/linux"
	"github.com/JuulLabs-OSS/ble/linux/hci/cmd"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

func deviceOpts(cfg XportCfg) []ble.Option {
	return []ble.Option{
		ble.OptDeviceID(cfg.HciIdx),
		ble.OptDialerTimeout(cfg.ConnTimeout),
	}
}

func setConnParams(dev ble.Device) error {
	ldev, ok := dev.(*linux.Device)
	if !ok {
		return nil
	}

	cc := cmd.LECreateConnection{
		LEScanInterval:        0x0010, // 0x0004 - 0x4000; N * 0.625 msec
		LEScanWindow:          0x0010, // 0x0004 - 0x4000; N * 0.625 msec
		InitiatorFilterPolicy: 0x00,   // White list is not used
		OwnAddressType:        0x00,   // Public Device Address
		ConnIntervalMin:       0x0018, // 0x0006 - 0x0C80; N * 1.25 msec
		ConnIntervalMax:       0x0028, // 0x0006 - 0x0C80; N * 1.25 msec
		ConnLatency:           0x0000, // 0x0000 - 0x01F3; N * 1.25 msec
		SupervisionTimeout:    0x01F4, // 0x000A - 0x0C80; N * 10 msec
		MinimumCELength:       0x0000, // 0x0000 - 0xFFFF; N * 0.625 msec
		MaximumCELength:       0x0000, // 0x0000 - 0xFFFF; N * 0.625 msec

		// Specified at connect time.
		PeerAddressType: 0x00,
		PeerAddress:     [6]byte{},
	}

	if err := ldev.HCI.Option(ble.OptConnParams(cc)); err != nil {
		return util.FmtNewtError("error setting connection parameters: %s",
			err.Error())
	}

	return nil
}

// BlueZ's policy is consulted first; a denial there means the user may not
// touch the controller at all.
func platformPermission(a *BllAdapter) bledefs.PermissionState {
	if p := bgtask.CheckBluezPermission(a.cfg.HciIdx); p ==
		bledefs.PERMISSION_DENIED {

		return p
	}

	_, err := a.device()
	return devicePermission(err)
}

func watchPower(hciIdx int, fn func(on bool)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	if err := bgtask.WatchBluezPower(ctx, hciIdx, fn); err != nil {
		log.Debugf("Not watching controller power: %s", err.Error())
	}
	return cancel
}
