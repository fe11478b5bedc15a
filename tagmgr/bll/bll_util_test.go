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
	"testing"

	"github.com/JuulLabs-OSS/ble"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

func TestUuidString(t *testing.T) {
	tests := []struct {
		in   ble.UUID
		want string
	}{
		{ble.UUID{0x59, 0xfe}, "fe59"},
		{ble.UUID{0x04, 0x03, 0x02, 0x01}, "01020304"},
		{
			ble.UUID{
				0x50, 0xea, 0xda, 0x30, 0x88, 0x83, 0xb8, 0x9f,
				0x60, 0x4f, 0x15, 0xf3, 0x01, 0x00, 0xc9, 0x8e,
			},
			"8ec90001-f315-4f60-9fb8-838830daea50",
		},
	}

	for _, tt := range tests {
		if got := UuidString(tt.in); got != tt.want {
			t.Errorf("UuidString(%x) = %s; want %s", []byte(tt.in), got,
				tt.want)
		}
	}
}

func TestParseUuidsRoundTrip(t *testing.T) {
	in := []string{
		"fe59",
		"8EC90001-F315-4F60-9FB8-838830DAEA50",
	}

	uuids, err := ParseUuids(in)
	if err != nil {
		t.Fatalf("ParseUuids: %s", err.Error())
	}

	for i, u := range uuids {
		if !bledefs.UuidsEqual(UuidString(u), in[i]) {
			t.Errorf("uuid %d: got %s; want %s", i, UuidString(u), in[i])
		}
	}

	if uuids, err := ParseUuids(nil); err != nil || uuids != nil {
		t.Errorf("ParseUuids(nil) = %v, %v; want nil, nil", uuids, err)
	}
}

func TestParseUuidsInvalid(t *testing.T) {
	if _, err := ParseUuids([]string{"SVC-NOTHEX"}); err == nil {
		t.Fatalf("expected error for non-hex UUID")
	}
}

func TestChrFlags(t *testing.T) {
	f := ChrFlags(ble.CharRead | ble.CharWrite | ble.CharIndicate)
	if !f.CanWrite() || !f.CanNotify() {
		t.Errorf("flags %s: want writable and notifiable", f)
	}
	if f&bledefs.BLE_GATT_F_WRITE_NO_RSP != 0 {
		t.Errorf("flags %s: unexpected write_no_rsp", f)
	}

	if f := ChrFlags(ble.CharWriteNR); f.CanWrite() {
		t.Errorf("write-without-response alone must not count as writable")
	}
}
