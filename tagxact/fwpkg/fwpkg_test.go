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
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"io/ioutil"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/starlinx/tagmgr/tagxact/tagxutil"
)

func buildInitPacket(fwType FwType, appSize int, hash []byte,
	signed bool) []byte {

	var h []byte
	h = protowire.AppendTag(h, hashFieldType, protowire.VarintType)
	h = protowire.AppendVarint(h, uint64(HASH_TYPE_SHA256))
	h = protowire.AppendTag(h, hashFieldHash, protowire.BytesType)
	h = protowire.AppendBytes(h, hash)

	var sdReq []byte
	sdReq = protowire.AppendVarint(sdReq, 0xb6)
	sdReq = protowire.AppendVarint(sdReq, 0x101)

	var init []byte
	init = protowire.AppendTag(init, initFieldFwVersion, protowire.VarintType)
	init = protowire.AppendVarint(init, 7)
	init = protowire.AppendTag(init, initFieldHwVersion, protowire.VarintType)
	init = protowire.AppendVarint(init, 52)
	init = protowire.AppendTag(init, initFieldSdReq, protowire.BytesType)
	init = protowire.AppendBytes(init, sdReq)
	init = protowire.AppendTag(init, initFieldType, protowire.VarintType)
	init = protowire.AppendVarint(init, uint64(fwType))
	init = protowire.AppendTag(init, initFieldAppSize, protowire.VarintType)
	init = protowire.AppendVarint(init, uint64(appSize))
	init = protowire.AppendTag(init, initFieldHash, protowire.BytesType)
	init = protowire.AppendBytes(init, h)

	var cmd []byte
	cmd = protowire.AppendTag(cmd, cmdFieldOpCode, protowire.VarintType)
	cmd = protowire.AppendVarint(cmd, cmdOpCodeInit)
	cmd = protowire.AppendTag(cmd, cmdFieldInit, protowire.BytesType)
	cmd = protowire.AppendBytes(cmd, init)

	var pkt []byte
	if signed {
		var sc []byte
		sc = protowire.AppendTag(sc, signedFieldCommand, protowire.BytesType)
		sc = protowire.AppendBytes(sc, cmd)
		sc = protowire.AppendTag(sc, 2, protowire.VarintType)
		sc = protowire.AppendVarint(sc, 0)
		sc = protowire.AppendTag(sc, 3, protowire.BytesType)
		sc = protowire.AppendBytes(sc, []byte{0xde, 0xad})

		pkt = protowire.AppendTag(pkt, pktFieldSignedCommand,
			protowire.BytesType)
		pkt = protowire.AppendBytes(pkt, sc)
	} else {
		pkt = protowire.AppendTag(pkt, pktFieldCommand, protowire.BytesType)
		pkt = protowire.AppendBytes(pkt, cmd)
	}

	return pkt
}

func writeZip(t *testing.T, files map[string][]byte) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fw.zip")
	if err := ioutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDecodeInitPacket(t *testing.T) {
	hash := bytes.Repeat([]byte{0xab}, 32)

	for _, signed := range []bool{false, true} {
		ip, err := DecodeInitPacket(
			buildInitPacket(FW_TYPE_APPLICATION, 1234, hash, signed))
		if err != nil {
			t.Fatalf("signed=%v: decode: %v", signed, err)
		}

		if ip.Signed != signed {
			t.Errorf("signed=%v: Signed=%v", signed, ip.Signed)
		}
		if ip.FwVersion != 7 || ip.HwVersion != 52 {
			t.Errorf("versions: fw=%d hw=%d", ip.FwVersion, ip.HwVersion)
		}
		if len(ip.SdReq) != 2 || ip.SdReq[0] != 0xb6 || ip.SdReq[1] != 0x101 {
			t.Errorf("sd_req: %v", ip.SdReq)
		}
		if ip.AppSize != 1234 || ip.ImageSize() != 1234 {
			t.Errorf("app size: %d", ip.AppSize)
		}
		if ip.HashType != HASH_TYPE_SHA256 || !bytes.Equal(ip.Hash, hash) {
			t.Errorf("hash: type=%d %x", ip.HashType, ip.Hash)
		}
	}
}

func TestDecodeInitPacketGarbage(t *testing.T) {
	if _, err := DecodeInitPacket([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Errorf("garbage decoded without error")
	}
	if _, err := DecodeInitPacket(nil); err == nil {
		t.Errorf("empty packet decoded without error")
	}
}

func TestOpenZip(t *testing.T) {
	app := bytes.Repeat([]byte{0x11}, 300)
	bl := bytes.Repeat([]byte{0x22}, 100)
	sum := sha256.Sum256(app)

	manifest := []byte(`{"manifest": {
		"application": {"bin_file": "app.bin", "dat_file": "app.dat"},
		"bootloader": {"bin_file": "bl.bin"}
	}}`)

	path := writeZip(t, map[string][]byte{
		"manifest.json": manifest,
		"app.bin":       app,
		"app.dat":       buildInitPacket(FW_TYPE_APPLICATION, len(app), reversed(sum[:]), false),
		"bl.bin":        bl,
	})

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if pkg.TotalParts() != 2 {
		t.Fatalf("parts = %d, want 2", pkg.TotalParts())
	}
	if pkg.Parts[0].Type != PART_BOOTLOADER ||
		pkg.Parts[1].Type != PART_APPLICATION {

		t.Errorf("part order: %s, %s", pkg.Parts[0].Type, pkg.Parts[1].Type)
	}
	if pkg.Size() != 400 {
		t.Errorf("size = %d, want 400", pkg.Size())
	}
	if pkg.Parts[1].Init == nil {
		t.Fatalf("application init packet not decoded")
	}
	if err := pkg.Verify(); err != nil {
		t.Errorf("verify: %v", err)
	}

	pkg.Parts[1].Bin[0] ^= 0xff
	if err := pkg.Verify(); err == nil {
		t.Errorf("verify passed on corrupted image")
	}
}

func TestOpenBin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := ioutil.WriteFile(path, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pkg.TotalParts() != 1 || pkg.Parts[0].Type != PART_APPLICATION {
		t.Errorf("unexpected parts: %+v", pkg.Parts)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	notZip := filepath.Join(dir, "junk.zip")
	if err := ioutil.WriteFile(notZip, []byte("junk"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	emptyBin := filepath.Join(dir, "empty.bin")
	if err := ioutil.WriteFile(emptyBin, nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	paths := []string{
		filepath.Join(dir, "missing.zip"),
		notZip,
		emptyBin,
		writeZip(t, map[string][]byte{"app.bin": {1}}),
		writeZip(t, map[string][]byte{"manifest.json": []byte("{")}),
		writeZip(t, map[string][]byte{
			"manifest.json": []byte(`{"manifest": {}}`),
		}),
		writeZip(t, map[string][]byte{
			"manifest.json": []byte(
				`{"manifest": {"application": {"bin_file": "app.bin"}}}`),
		}),
	}

	for _, p := range paths {
		_, err := Open(p)
		if err == nil {
			t.Errorf("%s: opened without error", p)
			continue
		}
		if !tagxutil.IsImage(err) {
			t.Errorf("%s: got %T, want ImageError", p, err)
		}
	}
}
