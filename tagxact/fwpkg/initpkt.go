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

package fwpkg

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

type FwType uint32

const (
	FW_TYPE_APPLICATION FwType = iota
	FW_TYPE_SOFTDEVICE
	FW_TYPE_BOOTLOADER
	FW_TYPE_SOFTDEVICE_BOOTLOADER
	FW_TYPE_EXTERNAL_APPLICATION
)

type HashType uint32

const (
	HASH_TYPE_NONE HashType = iota
	HASH_TYPE_CRC
	HASH_TYPE_SHA128
	HASH_TYPE_SHA256
	HASH_TYPE_SHA512
)

var fwTypeNameMap = map[FwType]string{
	FW_TYPE_APPLICATION:           "application",
	FW_TYPE_SOFTDEVICE:            "softdevice",
	FW_TYPE_BOOTLOADER:            "bootloader",
	FW_TYPE_SOFTDEVICE_BOOTLOADER: "softdevice_bootloader",
	FW_TYPE_EXTERNAL_APPLICATION:  "external_application",
}

func (t FwType) String() string {
	if name, ok := fwTypeNameMap[t]; ok {
		return name
	}
	return "???"
}

var hashTypeNameMap = map[HashType]string{
	HASH_TYPE_NONE:   "none",
	HASH_TYPE_CRC:    "crc",
	HASH_TYPE_SHA128: "sha128",
	HASH_TYPE_SHA256: "sha256",
	HASH_TYPE_SHA512: "sha512",
}

func (t HashType) String() string {
	if name, ok := hashTypeNameMap[t]; ok {
		return name
	}
	return "???"
}

// Field numbers of the init packet protobuf messages.
const (
	pktFieldCommand       protowire.Number = 1
	pktFieldSignedCommand protowire.Number = 2

	signedFieldCommand protowire.Number = 1

	cmdFieldOpCode protowire.Number = 1
	cmdFieldInit   protowire.Number = 2

	initFieldFwVersion protowire.Number = 1
	initFieldHwVersion protowire.Number = 2
	initFieldSdReq     protowire.Number = 3
	initFieldType      protowire.Number = 4
	initFieldSdSize    protowire.Number = 5
	initFieldBlSize    protowire.Number = 6
	initFieldAppSize   protowire.Number = 7
	initFieldHash      protowire.Number = 8
	initFieldIsDebug   protowire.Number = 9

	hashFieldType protowire.Number = 1
	hashFieldHash protowire.Number = 2
)

const cmdOpCodeInit = 1

// Decoded DFU init packet.
type InitPacket struct {
	FwVersion uint32
	HwVersion uint32
	SdReq     []uint32
	FwType    FwType
	SdSize    uint32
	BlSize    uint32
	AppSize   uint32
	HashType  HashType
	Hash      []byte
	IsDebug   bool
	Signed    bool
}

// Expected size of the image this packet describes.
func (ip *InitPacket) ImageSize() uint32 {
	return ip.SdSize + ip.BlSize + ip.AppSize
}

// Calls fn for every field in b.  fn receives the raw field value; varints
// are decoded into v.
func walkFields(b []byte,
	fn func(num protowire.Number, typ protowire.Type, v uint64,
		raw []byte) error) error {

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}

	return nil
}

func DecodeInitPacket(b []byte) (*InitPacket, error) {
	var cmd []byte
	signed := false

	err := walkFields(b, func(num protowire.Number, typ protowire.Type,
		v uint64, raw []byte) error {

		switch {
		case num == pktFieldCommand && typ == protowire.BytesType:
			cmd = raw
		case num == pktFieldSignedCommand && typ == protowire.BytesType:
			signed = true
			return walkFields(raw, func(num protowire.Number,
				typ protowire.Type, v uint64, raw []byte) error {

				if num == signedFieldCommand && typ == protowire.BytesType {
					cmd = raw
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "init packet")
	}
	if cmd == nil {
		return nil, errors.New("init packet carries no command")
	}

	var initb []byte
	opCode := uint64(0)
	err = walkFields(cmd, func(num protowire.Number, typ protowire.Type,
		v uint64, raw []byte) error {

		switch {
		case num == cmdFieldOpCode && typ == protowire.VarintType:
			opCode = v
		case num == cmdFieldInit && typ == protowire.BytesType:
			initb = raw
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "init command")
	}
	if opCode != cmdOpCodeInit || initb == nil {
		return nil, errors.Errorf("unexpected init packet op code %d", opCode)
	}

	ip := &InitPacket{
		Signed: signed,
	}
	if err := ip.decodeInit(initb); err != nil {
		return nil, errors.Wrap(err, "init command")
	}

	return ip, nil
}

func (ip *InitPacket) decodeInit(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type,
		v uint64, raw []byte) error {

		switch num {
		case initFieldFwVersion:
			ip.FwVersion = uint32(v)
		case initFieldHwVersion:
			ip.HwVersion = uint32(v)
		case initFieldSdReq:
			if typ == protowire.VarintType {
				ip.SdReq = append(ip.SdReq, uint32(v))
				return nil
			}
			for len(raw) > 0 {
				req, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				ip.SdReq = append(ip.SdReq, uint32(req))
				raw = raw[n:]
			}
		case initFieldType:
			ip.FwType = FwType(v)
		case initFieldSdSize:
			ip.SdSize = uint32(v)
		case initFieldBlSize:
			ip.BlSize = uint32(v)
		case initFieldAppSize:
			ip.AppSize = uint32(v)
		case initFieldIsDebug:
			ip.IsDebug = v != 0
		case initFieldHash:
			return walkFields(raw, func(num protowire.Number,
				typ protowire.Type, v uint64, raw []byte) error {

				switch num {
				case hashFieldType:
					ip.HashType = HashType(v)
				case hashFieldHash:
					ip.Hash = raw
				}
				return nil
			})
		}
		return nil
	})
}
