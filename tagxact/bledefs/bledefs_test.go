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

package bledefs

import "testing"

func TestDeriveServiceIdentity(t *testing.T) {
	tests := []struct {
		svcPrefix string
		chrPrefix string
		deviceId  string
		wantSvc   string
		wantChr   string
	}{
		{"SVC-", "CHR-", "AABBCCDDEEFF", "SVC-AABBCCDDEEFF", "CHR-AABBCCDDEEFF"},
		{"SVC-", "CHR-", "0011AABBCCDDEEFF", "SVC-AABBCCDDEEFF", "CHR-AABBCCDDEEFF"},
		{"SVC-", "CHR-", "EEFF", "SVC-EEFF", "CHR-EEFF"},
		{"", "", "", "", ""},
		{
			"6E400001-B5A3-F393-E0A9-",
			"6E400002-B5A3-F393-E0A9-",
			"tag:112233445566",
			"6E400001-B5A3-F393-E0A9-112233445566",
			"6E400002-B5A3-F393-E0A9-112233445566",
		},
	}

	for _, tc := range tests {
		si := DeriveServiceIdentity(tc.svcPrefix, tc.chrPrefix, tc.deviceId)
		if si.SvcId != tc.wantSvc {
			t.Errorf("DeriveServiceIdentity(%q, %q, %q).SvcId = %q, want %q",
				tc.svcPrefix, tc.chrPrefix, tc.deviceId, si.SvcId, tc.wantSvc)
		}
		if si.ChrId != tc.wantChr {
			t.Errorf("DeriveServiceIdentity(%q, %q, %q).ChrId = %q, want %q",
				tc.svcPrefix, tc.chrPrefix, tc.deviceId, si.ChrId, tc.wantChr)
		}
	}
}

func TestDeviceKeyCountsCharacters(t *testing.T) {
	got := DeviceKey("ééééééééééééé")
	if got != "éééééééééééé" {
		t.Errorf("DeviceKey() = %q, want 12 characters", got)
	}
}

func TestUuidsEqual(t *testing.T) {
	if !UuidsEqual("6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
		"6e400001b5a3f393e0a9e50e24dcca9e") {

		t.Error("UUIDs differing only in case and dashes should be equal")
	}
	if UuidsEqual("fe59", "fe5a") {
		t.Error("different UUIDs should not be equal")
	}
	if !ContainsUuid([]string{"180a", "FE59"}, "fe59") {
		t.Error("ContainsUuid() should match case-insensitively")
	}
}

func TestDisconnectReasonInvalidatesSession(t *testing.T) {
	invalidating := map[DisconnectReason]bool{
		DISCONNECT_REASON_NONE:    false,
		DISCONNECT_REASON_PEER:    true,
		DISCONNECT_REASON_TIMEOUT: true,
		DISCONNECT_REASON_UNKNOWN: false,
		DISCONNECT_REASON_OTHER:   false,
	}

	for r, want := range invalidating {
		if got := r.InvalidatesSession(); got != want {
			t.Errorf("%s.InvalidatesSession() = %v, want %v", r, got, want)
		}
	}
}

func TestChrFlags(t *testing.T) {
	f := BLE_GATT_F_NOTIFY | BLE_GATT_F_WRITE
	if !f.CanNotify() || !f.CanWrite() {
		t.Errorf("flags %s should allow notify and write", f)
	}
	if BLE_GATT_F_WRITE_NO_RSP.CanWrite() {
		t.Error("write-without-response does not satisfy a confirmed write")
	}
	if got := f.String(); got != "write|notify" {
		t.Errorf("String() = %q", got)
	}
}
