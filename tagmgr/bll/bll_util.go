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
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/JuulLabs-OSS/ble"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
)

// Renders a stack UUID (little-endian bytes) in the canonical big-endian
// string form.
func UuidString(bllUuid ble.UUID) string {
	switch len(bllUuid) {
	case 2:
		return fmt.Sprintf("%04x", binary.LittleEndian.Uint16(bllUuid))

	case 4:
		return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(bllUuid))

	case 16:
		var b [16]byte
		for i, v := range bllUuid {
			b[15-i] = v
		}
		return fmt.Sprintf("%x-%x-%x-%x-%x",
			b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])

	default:
		return fmt.Sprintf("%x", []byte(bllUuid))
	}
}

func ParseUuids(ss []string) ([]ble.UUID, error) {
	if len(ss) == 0 {
		return nil, nil
	}

	uuids := make([]ble.UUID, len(ss))
	for i, s := range ss {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, tagxutil.FmtXportError("invalid UUID: %s", s)
		}
		uuids[i] = u
	}

	return uuids, nil
}

func ChrFlags(p ble.Property) bledefs.BleChrFlags {
	var f bledefs.BleChrFlags

	if p&ble.CharRead != 0 {
		f |= bledefs.BLE_GATT_F_READ
	}
	if p&ble.CharWriteNR != 0 {
		f |= bledefs.BLE_GATT_F_WRITE_NO_RSP
	}
	if p&ble.CharWrite != 0 {
		f |= bledefs.BLE_GATT_F_WRITE
	}
	if p&ble.CharNotify != 0 {
		f |= bledefs.BLE_GATT_F_NOTIFY
	}
	if p&ble.CharIndicate != 0 {
		f |= bledefs.BLE_GATT_F_INDICATE
	}

	return f
}

// Matches advertisements listing any of the given services.  An empty list
// matches everything.
func advFilter(svcs []ble.UUID) ble.AdvFilter {
	return func(a ble.Advertisement) bool {
		if len(svcs) == 0 {
			return true
		}

		for _, u := range a.Services() {
			for _, want := range svcs {
				if u.Equal(want) {
					return true
				}
			}
		}
		return false
	}
}

func exchangeMtu(cln ble.Client, preferredMtu uint16) (uint16, error) {
	log.Debugf("Exchanging MTU")

	// macOS does not perform the exchange on request; the library reports
	// whatever the OS negotiated, which reads as 23 until the OS gets
	// around to it.
	var mtu int
	for i := 0; i < 3; i++ {
		var err error
		mtu, err = cln.ExchangeMTU(int(preferredMtu))
		if err != nil {
			return 0, err
		}

		if runtime.GOOS != "darwin" || mtu != bledefs.BLE_ATT_MTU_DFLT {
			break
		}

		log.Debugf("macOS reports an MTU of 23; wait and requery")
		time.Sleep(time.Second)
	}

	log.Debugf("Exchanged MTU; ATT MTU = %d", mtu)
	return uint16(mtu), nil
}
