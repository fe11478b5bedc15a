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

import (
	"fmt"
	"strings"
)

const BLE_ATT_MTU_DFLT = 23
const BLE_ATT_ATTR_MAX_LEN = 512

// Size of a GATT write-command header (opcode + attribute handle).
const BLE_WRITE_CMD_BASE_SZ = 3

// Number of trailing device-id characters appended to each identity prefix.
const DEVICE_KEY_LEN = 12

// The one-byte value written to the target characteristic to mark the link
// application-ready.
var HandshakeValue = []byte{1}

type PermissionState int

const (
	PERMISSION_NOT_DETERMINED PermissionState = iota
	PERMISSION_RESTRICTED
	PERMISSION_DENIED
	PERMISSION_ALLOWED_ALWAYS
)

var permissionStateStringMap = map[PermissionState]string{
	PERMISSION_NOT_DETERMINED: "not_determined",
	PERMISSION_RESTRICTED:     "restricted",
	PERMISSION_DENIED:         "denied",
	PERMISSION_ALLOWED_ALWAYS: "allowed_always",
}

func (p PermissionState) String() string {
	s := permissionStateStringMap[p]
	if s == "" {
		return "???"
	}

	return s
}

func PermissionStateFromString(s string) (PermissionState, error) {
	for p, name := range permissionStateStringMap {
		if s == name {
			return p, nil
		}
	}

	return PermissionState(0), fmt.Errorf("Invalid PermissionState string: %s",
		s)
}

// Status reported to the session observer.
type ConnStatus int

const (
	CONN_STATUS_DISCONNECTED ConnStatus = iota
	CONN_STATUS_CONNECTING
	CONN_STATUS_CONNECTED
)

var connStatusStringMap = map[ConnStatus]string{
	CONN_STATUS_DISCONNECTED: "disconnected",
	CONN_STATUS_CONNECTING:   "connecting",
	CONN_STATUS_CONNECTED:    "connected",
}

func (s ConnStatus) String() string {
	str := connStatusStringMap[s]
	if str == "" {
		return "???"
	}

	return str
}

// Classification of a link loss.
type DisconnectReason int

const (
	// Locally initiated; no error accompanied the disconnect.
	DISCONNECT_REASON_NONE DisconnectReason = iota

	// The peer terminated the link.
	DISCONNECT_REASON_PEER

	// Supervision timeout.
	DISCONNECT_REASON_TIMEOUT

	// The stack could not say why.
	DISCONNECT_REASON_UNKNOWN

	DISCONNECT_REASON_OTHER
)

var disconnectReasonStringMap = map[DisconnectReason]string{
	DISCONNECT_REASON_NONE:    "none",
	DISCONNECT_REASON_PEER:    "peer_disconnected",
	DISCONNECT_REASON_TIMEOUT: "connection_timeout",
	DISCONNECT_REASON_UNKNOWN: "unknown",
	DISCONNECT_REASON_OTHER:   "other",
}

func (r DisconnectReason) String() string {
	s := disconnectReasonStringMap[r]
	if s == "" {
		return "???"
	}

	return s
}

// Invalidates the transport session: scanning must be restarted by the
// caller.
func (r DisconnectReason) InvalidatesSession() bool {
	return r == DISCONNECT_REASON_PEER || r == DISCONNECT_REASON_TIMEOUT
}

type BleChrFlags int

const (
	BLE_GATT_F_READ BleChrFlags = 1 << iota
	BLE_GATT_F_WRITE_NO_RSP
	BLE_GATT_F_WRITE
	BLE_GATT_F_NOTIFY
	BLE_GATT_F_INDICATE
)

func (f BleChrFlags) CanNotify() bool {
	return f&(BLE_GATT_F_NOTIFY|BLE_GATT_F_INDICATE) != 0
}

func (f BleChrFlags) CanWrite() bool {
	return f&BLE_GATT_F_WRITE != 0
}

func (f BleChrFlags) String() string {
	strs := []string{}

	if f&BLE_GATT_F_READ != 0 {
		strs = append(strs, "read")
	}
	if f&BLE_GATT_F_WRITE_NO_RSP != 0 {
		strs = append(strs, "write_no_rsp")
	}
	if f&BLE_GATT_F_WRITE != 0 {
		strs = append(strs, "write")
	}
	if f&BLE_GATT_F_NOTIFY != 0 {
		strs = append(strs, "notify")
	}
	if f&BLE_GATT_F_INDICATE != 0 {
		strs = append(strs, "indicate")
	}

	return strings.Join(strs, "|")
}

// The service/characteristic pair a session negotiates against.  Computed
// once per session start.
type ServiceIdentity struct {
	SvcId string
	ChrId string
}

func (si ServiceIdentity) String() string {
	return fmt.Sprintf("svc=%s chr=%s", si.SvcId, si.ChrId)
}

// Returns the last DEVICE_KEY_LEN characters of a device identifier, or the
// whole identifier if it is shorter.
func DeviceKey(deviceId string) string {
	r := []rune(deviceId)
	if len(r) <= DEVICE_KEY_LEN {
		return deviceId
	}

	return string(r[len(r)-DEVICE_KEY_LEN:])
}

// Appends the device key to each prefix.  The result is used verbatim as the
// scan filter and characteristic filter.
func DeriveServiceIdentity(svcPrefix string, chrPrefix string,
	deviceId string) ServiceIdentity {

	key := DeviceKey(deviceId)
	return ServiceIdentity{
		SvcId: svcPrefix + key,
		ChrId: chrPrefix + key,
	}
}

// Lowercase, dash-free form of a UUID string.  Stacks disagree on case and
// on whether 128-bit UUIDs carry dashes.
func NormalizeUuid(uuid string) string {
	return strings.ToLower(strings.Replace(uuid, "-", "", -1))
}

func CompareUuids(a string, b string) int {
	return strings.Compare(NormalizeUuid(a), NormalizeUuid(b))
}

func UuidsEqual(a string, b string) bool {
	return CompareUuids(a, b) == 0
}

func ContainsUuid(uuids []string, uuid string) bool {
	for _, u := range uuids {
		if UuidsEqual(u, uuid) {
			return true
		}
	}

	return false
}
