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

package bgtask

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

const (
	bluezGattChr1     = "org.bluez.GattCharacteristic1"
	dbusObjManager    = "org.freedesktop.DBus.ObjectManager"
	dbusManagedObjs   = dbusObjManager + ".GetManagedObjects"
	bluezGattChrWrite = bluezGattChr1 + ".WriteValue"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ object path of a device, e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(hciIdx int, addr string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(hciIdx), dev))
}

func findBluezChr(objs managedObjects, devPath dbus.ObjectPath,
	chrUuid string) (dbus.ObjectPath, bool) {

	prefix := string(devPath) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}

		props, ok := ifaces[bluezGattChr1]
		if !ok {
			continue
		}

		u, _ := props["UUID"].Value().(string)
		if bledefs.UuidsEqual(u, chrUuid) {
			return path, true
		}
	}

	return "", false
}

// Looks up the BlueZ object of a characteristic on a connected device.
func BluezChrPath(hciIdx int, addr string,
	chrUuid string) (dbus.ObjectPath, error) {

	conn, err := dbus.SystemBus()
	if err != nil {
		return "", errors.Wrap(err, "system bus")
	}

	var objs managedObjects
	err = conn.Object(bluezDest, "/").Call(dbusManagedObjs, 0).Store(&objs)
	if err != nil {
		return "", errors.Wrap(err, "BlueZ objects")
	}

	devPath := DevicePath(hciIdx, addr)
	path, ok := findBluezChr(objs, devPath, chrUuid)
	if !ok {
		return "", errors.Errorf("no characteristic %s under %s",
			chrUuid, devPath)
	}

	return path, nil
}

// Writes a characteristic value with a write request; returns once the peer
// has acknowledged it.
func BluezWriteRequest(chrPath dbus.ObjectPath, data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "system bus")
	}

	opts := map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	}
	call := conn.Object(bluezDest, chrPath).Call(bluezGattChrWrite, 0,
		data, opts)
	if call.Err != nil {
		return errors.Wrapf(call.Err, "write %s", chrPath)
	}

	return nil
}
