//go:build linux
// +build linux

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
	"tinygo.org/x/bluetooth"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

// The stack does not report characteristic properties, so every
// characteristic is offered as both writable and notifiable.  The handshake
// settles on whichever leg the peer accepts.
const tinyChrFlags = bledefs.BLE_GATT_F_WRITE | bledefs.BLE_GATT_F_NOTIFY

// On Linux the stack only issues write commands; write requests go to BlueZ
// directly.
func (c *TinyCentral) writeChr(tc *tinyConn, ch bluetooth.DeviceCharacteristic,
	data []byte, confirm bool) error {

	if !confirm {
		_, err := ch.WriteWithoutResponse(data)
		return err
	}

	path, err := bgtask.BluezChrPath(c.adapter.cfg.HciIdx, tc.peerId,
		ch.UUID().String())
	if err != nil {
		return err
	}
	return bgtask.BluezWriteRequest(path, data)
}
