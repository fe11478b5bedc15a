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
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	dbusProps        = "org.freedesktop.DBus.Properties"
	dbusPropsChanged = dbusProps + ".PropertiesChanged"
)

// Extracts the new Powered value from an adapter PropertiesChanged signal.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != path || sig.Name != dbusPropsChanged ||
		len(sig.Body) < 2 {

		return false, false
	}

	if iface, _ := sig.Body[0].(string); iface != bluezAdapter1 {
		return false, false
	}

	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}

	on, ok := v.Value().(bool)
	return on, ok
}

// Calls fn whenever BlueZ reports that the controller was powered on or off.
// Watching stops when ctx is done.
func WatchBluezPower(ctx context.Context, hciIdx int, fn func(on bool)) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, "system bus")
	}

	path := AdapterPath(hciIdx)
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(dbusProps),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		return errors.Wrap(err, "match PropertiesChanged")
	}

	ch := make(chan *dbus.Signal, 8)
	conn.Signal(ch)

	go func() {
		defer func() {
			conn.RemoveSignal(ch)
			if err := conn.RemoveMatchSignal(opts...); err != nil {
				log.Debugf("Failed to remove power match: %s", err.Error())
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case sig, ok := <-ch:
				if !ok {
					return
				}
				if on, ok := poweredChange(sig, path); ok {
					log.Debugf("hci%d powered=%v", hciIdx, on)
					fn(on)
				}
			}
		}
	}()

	return nil
}
