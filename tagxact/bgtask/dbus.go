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
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	login1Inhibit = "org.freedesktop.login1.Manager.Inhibit"

	bluezDest     = "org.bluez"
	bluezAdapter1 = "org.bluez.Adapter1"

	dbusErrAccessDenied   = "org.freedesktop.DBus.Error.AccessDenied"
	dbusErrUnknownObject  = "org.freedesktop.DBus.Error.UnknownObject"
	dbusErrServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	dbusErrUnknownMethod  = "org.freedesktop.DBus.Error.UnknownMethod"
)

// A host that takes a systemd-logind "delay" sleep inhibitor for every
// background task.  If logind cannot be reached the task still proceeds,
// just without the inhibitor.
type LogindHost struct {
	*StaticHost
	Who string
}

func NewLogindHost(background bool, who string) *LogindHost {
	return &LogindHost{
		StaticHost: NewStaticHost(background),
		Who:        who,
	}
}

func (h *LogindHost) BeginTask(name string) (Token, error) {
	inner, err := h.StaticHost.BeginTask(name)
	if err != nil {
		return nil, err
	}

	fd, err := inhibitSleep(h.Who, name)
	if err != nil {
		log.Debugf("No sleep inhibitor for \"%s\": %s", name, err.Error())
		return inner, nil
	}

	return newOnceToken(name, func() {
		if err := os.NewFile(uintptr(fd), "inhibit").Close(); err != nil {
			log.Debugf("Failed to release sleep inhibitor: %s", err.Error())
		}
		inner.Release()
	}), nil
}

func inhibitSleep(who string, why string) (dbus.UnixFD, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return -1, errors.Wrap(err, "system bus")
	}

	var fd dbus.UnixFD
	obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
	call := obj.Call(login1Inhibit, 0, "sleep", who, why, "delay")
	if call.Err != nil {
		return -1, errors.Wrap(call.Err, "inhibit")
	}
	if err := call.Store(&fd); err != nil {
		return -1, errors.Wrap(err, "inhibit reply")
	}

	return fd, nil
}

func dbusErrName(err error) string {
	switch e := errors.Cause(err).(type) {
	case dbus.Error:
		return e.Name
	case *dbus.Error:
		return e.Name
	default:
		return ""
	}
}

// Maps the outcome of a BlueZ adapter query to a permission state.
func permissionFromErr(err error) bledefs.PermissionState {
	if err == nil {
		return bledefs.PERMISSION_ALLOWED_ALWAYS
	}

	switch dbusErrName(err) {
	case dbusErrAccessDenied:
		return bledefs.PERMISSION_DENIED
	case dbusErrUnknownObject, dbusErrServiceUnknown, dbusErrUnknownMethod:
		return bledefs.PERMISSION_RESTRICTED
	default:
		return bledefs.PERMISSION_NOT_DETERMINED
	}
}

func AdapterPath(hciIdx int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/hci%d", hciIdx))
}

// Asks BlueZ whether this process may use the given controller.  An
// unreachable bus yields PERMISSION_NOT_DETERMINED; a missing controller
// yields PERMISSION_RESTRICTED.
func CheckBluezPermission(hciIdx int) bledefs.PermissionState {
	conn, err := dbus.SystemBus()
	if err != nil {
		log.Debugf("BlueZ permission probe: %s", err.Error())
		return bledefs.PERMISSION_NOT_DETERMINED
	}

	obj := conn.Object(bluezDest, AdapterPath(hciIdx))
	_, err = obj.GetProperty(bluezAdapter1 + ".Powered")

	state := permissionFromErr(err)
	log.Debugf("BlueZ permission for hci%d: %s", hciIdx, state)
	return state
}
