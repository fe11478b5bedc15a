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
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

func TestStaticHostTokens(t *testing.T) {
	h := NewStaticHost(true)
	if !h.Backgrounded() {
		t.Fatalf("host not backgrounded")
	}

	tok1, _ := h.BeginTask("a")
	tok2, _ := h.BeginTask("b")
	if h.Outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2", h.Outstanding())
	}

	tok1.Release()
	tok1.Release()
	if h.Outstanding() != 1 {
		t.Fatalf("double release changed count: %d", h.Outstanding())
	}

	tok2.Release()
	if h.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", h.Outstanding())
	}

	h.SetBackgrounded(false)
	if h.Backgrounded() {
		t.Errorf("host still backgrounded")
	}
}

func TestPermissionFromErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bledefs.PermissionState
	}{
		{"ok", nil, bledefs.PERMISSION_ALLOWED_ALWAYS},
		{"denied", dbus.Error{Name: dbusErrAccessDenied},
			bledefs.PERMISSION_DENIED},
		{"no adapter", &dbus.Error{Name: dbusErrUnknownObject},
			bledefs.PERMISSION_RESTRICTED},
		{"no bluez", errors.Wrap(dbus.Error{Name: dbusErrServiceUnknown}, "probe"),
			bledefs.PERMISSION_RESTRICTED},
		{"other", errors.New("bus gone"), bledefs.PERMISSION_NOT_DETERMINED},
	}

	for _, tt := range tests {
		if got := permissionFromErr(tt.err); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestAdapterPath(t *testing.T) {
	if got := AdapterPath(1); got != "/org/bluez/hci1" {
		t.Errorf("got %s", got)
	}
}

func TestPoweredChange(t *testing.T) {
	path := AdapterPath(0)
	sig := func(p dbus.ObjectPath, iface string,
		changed map[string]dbus.Variant) *dbus.Signal {

		return &dbus.Signal{
			Path: p,
			Name: dbusPropsChanged,
			Body: []interface{}{iface, changed, []string{}},
		}
	}

	tests := []struct {
		name   string
		sig    *dbus.Signal
		wantOn bool
		wantOk bool
	}{
		{"off", sig(path, bluezAdapter1,
			map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}),
			false, true},
		{"on", sig(path, bluezAdapter1,
			map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			true, true},
		{"other prop", sig(path, bluezAdapter1,
			map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}),
			false, false},
		{"other adapter", sig(AdapterPath(1), bluezAdapter1,
			map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			false, false},
		{"other iface", sig(path, "org.bluez.Device1",
			map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}),
			false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		on, ok := poweredChange(tt.sig, path)
		if on != tt.wantOn || ok != tt.wantOk {
			t.Errorf("%s: got (%v, %v), want (%v, %v)",
				tt.name, on, ok, tt.wantOn, tt.wantOk)
		}
	}
}

func TestDevicePath(t *testing.T) {
	p := DevicePath(1, "aa:bb:cc:dd:ee:0f")
	if p != "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_0F" {
		t.Errorf("got %s", p)
	}
}

func TestFindBluezChr(t *testing.T) {
	chr := func(uuid string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			bluezGattChr1: {"UUID": dbus.MakeVariant(uuid)},
		}
	}

	dev := DevicePath(0, "AA:BB:CC:DD:EE:FF")
	objs := managedObjects{
		dev + "/service0010/char0011": chr(
			"8ec90001-f315-4f60-9fb8-838830daea50"),
		dev + "/service0010/char0014": chr(
			"8ec90002-f315-4f60-9fb8-838830daea50"),
		"/org/bluez/hci0/dev_11_22_33_44_55_66/service0010/char0014": chr(
			"8ec90003-f315-4f60-9fb8-838830daea50"),
		dev + "/service0010": {
			"org.bluez.GattService1": {"UUID": dbus.MakeVariant(
				"8ec90003-f315-4f60-9fb8-838830daea50")},
		},
	}

	path, ok := findBluezChr(objs, dev,
		"8EC90002-F315-4F60-9FB8-838830DAEA50")
	if !ok || path != dev+"/service0010/char0014" {
		t.Errorf("got %s %v", path, ok)
	}

	// Other devices and non-characteristic objects are not matched.
	if path, ok := findBluezChr(objs, dev,
		"8ec90003-f315-4f60-9fb8-838830daea50"); ok {

		t.Errorf("matched %s", path)
	}
}
