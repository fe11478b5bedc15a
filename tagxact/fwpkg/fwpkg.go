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

// Package fwpkg reads firmware packages: either a DFU zip (manifest.json plus
// a .bin/.dat pair per part) or a bare .bin application image.
package fwpkg

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"io/ioutil"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/starlinx/tagmgr/tagxact/tagxutil"
)

type PartType int

// Parts are sent to the device in this order.
const (
	PART_SOFTDEVICE_BOOTLOADER PartType = iota
	PART_SOFTDEVICE
	PART_BOOTLOADER
	PART_APPLICATION
)

var partTypeNameMap = map[PartType]string{
	PART_SOFTDEVICE_BOOTLOADER: "softdevice_bootloader",
	PART_SOFTDEVICE:            "softdevice",
	PART_BOOTLOADER:            "bootloader",
	PART_APPLICATION:           "application",
}

func (t PartType) String() string {
	if s, ok := partTypeNameMap[t]; ok {
		return s
	}
	return "???"
}

const manifestName = "manifest.json"

type Part struct {
	Type    PartType
	BinName string
	DatName string
	Bin     []byte
	Dat     []byte

	// Nil if the part came without an init packet.
	Init *InitPacket
}

type Package struct {
	Path  string
	Parts []*Part
}

type manifestEntry struct {
	BinFile string `codec:"bin_file"`
	DatFile string `codec:"dat_file"`
}

type manifest struct {
	Manifest struct {
		SoftdeviceBootloader *manifestEntry `codec:"softdevice_bootloader"`
		Softdevice           *manifestEntry `codec:"softdevice"`
		Bootloader           *manifestEntry `codec:"bootloader"`
		Application          *manifestEntry `codec:"application"`
	} `codec:"manifest"`
}

func (m *manifest) entries() []*manifestEntry {
	return []*manifestEntry{
		m.Manifest.SoftdeviceBootloader,
		m.Manifest.Softdevice,
		m.Manifest.Bootloader,
		m.Manifest.Application,
	}
}

// Total number of image bytes across all parts.
func (p *Package) Size() int {
	sz := 0
	for _, part := range p.Parts {
		sz += len(part.Bin)
	}
	return sz
}

func (p *Package) TotalParts() int {
	return len(p.Parts)
}

// Reads and validates the firmware package at path.  Any failure is reported
// as an *tagxutil.ImageError.
func Open(path string) (*Package, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, tagxutil.NewImageError(path, err.Error())
	}

	var pkg *Package
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		pkg, err = ParseBin(path, data)
	} else {
		pkg, err = ParseZip(path, data)
	}
	if err != nil {
		return nil, err
	}

	log.Debugf("Opened firmware package %s: %d part(s), %d bytes",
		path, pkg.TotalParts(), pkg.Size())
	return pkg, nil
}

// Treats data as a single application image with no init packet.
func ParseBin(path string, data []byte) (*Package, error) {
	if len(data) == 0 {
		return nil, tagxutil.NewImageError(path, "empty image")
	}

	return &Package{
		Path: path,
		Parts: []*Part{{
			Type:    PART_APPLICATION,
			BinName: filepath.Base(path),
			Bin:     data,
		}},
	}, nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f := files[name]
	if f == nil {
		return nil, nil
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ioutil.ReadAll(rc)
}

func ParseZip(path string, data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, tagxutil.FmtImageError(path, "not a firmware package: %s",
			err.Error())
	}

	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}

	mbytes, err := readZipFile(files, manifestName)
	if err != nil {
		return nil, tagxutil.NewImageError(path, err.Error())
	}
	if mbytes == nil {
		return nil, tagxutil.FmtImageError(path, "missing %s", manifestName)
	}

	var m manifest
	if err := codec.NewDecoderBytes(mbytes, new(codec.JsonHandle)).
		Decode(&m); err != nil {

		return nil, tagxutil.FmtImageError(path, "bad %s: %s",
			manifestName, err.Error())
	}

	pkg := &Package{
		Path: path,
	}
	for i, e := range m.entries() {
		if e == nil {
			continue
		}

		part, err := readPart(path, files, PartType(i), e)
		if err != nil {
			return nil, err
		}
		pkg.Parts = append(pkg.Parts, part)
	}

	if len(pkg.Parts) == 0 {
		return nil, tagxutil.NewImageError(path, "manifest lists no images")
	}

	return pkg, nil
}

func readPart(path string, files map[string]*zip.File, typ PartType,
	e *manifestEntry) (*Part, error) {

	part := &Part{
		Type:    typ,
		BinName: e.BinFile,
		DatName: e.DatFile,
	}

	bin, err := readZipFile(files, e.BinFile)
	if err != nil {
		return nil, tagxutil.NewImageError(path, err.Error())
	}
	if len(bin) == 0 {
		return nil, tagxutil.FmtImageError(path, "%s: missing or empty %s",
			typ, e.BinFile)
	}
	part.Bin = bin

	if e.DatFile != "" {
		dat, err := readZipFile(files, e.DatFile)
		if err != nil {
			return nil, tagxutil.NewImageError(path, err.Error())
		}
		if dat == nil {
			return nil, tagxutil.FmtImageError(path, "%s: missing %s",
				typ, e.DatFile)
		}
		part.Dat = dat

		init, err := DecodeInitPacket(dat)
		if err != nil {
			return nil, tagxutil.FmtImageError(path, "%s: %s",
				e.DatFile, err.Error())
		}
		part.Init = init
	}

	return part, nil
}

// Checks the image against its init packet.  Parts without an init packet
// always pass.
func (p *Part) Verify() error {
	if p.Init == nil {
		return nil
	}

	if sz := p.Init.ImageSize(); sz != 0 && sz != uint32(len(p.Bin)) {
		return tagxutil.FmtImageError(p.BinName,
			"size mismatch: init packet says %d, image is %d",
			sz, len(p.Bin))
	}

	if p.Init.HashType != HASH_TYPE_SHA256 {
		return nil
	}

	sum := sha256.Sum256(p.Bin)
	if bytes.Equal(sum[:], p.Init.Hash) ||
		bytes.Equal(sum[:], reversed(p.Init.Hash)) {

		return nil
	}

	return tagxutil.NewImageError(p.BinName, "sha256 mismatch")
}

func (p *Package) Verify() error {
	for _, part := range p.Parts {
		if err := part.Verify(); err != nil {
			return err
		}
	}
	return nil
}

func reversed(b []byte) []byte {
	r := make([]byte, len(b))
	for i, c := range b {
		r[len(b)-1-i] = c
	}
	return r
}
