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

package dfu

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/fwpkg"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

const (
	DFU_CTL_CHR_UUID        = "8ec90001-f315-4f60-9fb8-838830daea50"
	DFU_PKT_CHR_UUID        = "8ec90002-f315-4f60-9fb8-838830daea50"
	DFU_BUTTONLESS_CHR_UUID = "8ec90003-f315-4f60-9fb8-838830daea50"

	DFU_MAX_CHUNK = 512
)

// Control point opcodes and object types.
const (
	DFU_OP_CREATE  = 0x01
	DFU_OP_EXECUTE = 0x04

	DFU_OBJ_COMMAND = 0x01
	DFU_OBJ_DATA    = 0x02

	DFU_BUTTONLESS_ENTER = 0x01
)

// Streams each part of a package over the DFU packet characteristic.  Every
// part is announced on the control point with its init packet, then written
// in MTU-sized chunks, then executed.  The last execute is sent while
// validating; the device resets into the new image afterwards.
type ChunkTransfer struct {
	CtlChr        string
	PktChr        string
	ButtonlessChr string
	MaxChunk      int

	now func() time.Time
}

func NewChunkTransfer() *ChunkTransfer {
	return &ChunkTransfer{
		CtlChr:        DFU_CTL_CHR_UUID,
		PktChr:        DFU_PKT_CHR_UUID,
		ButtonlessChr: DFU_BUTTONLESS_CHR_UUID,
		MaxChunk:      DFU_MAX_CHUNK,
		now:           time.Now,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (x *ChunkTransfer) chunkLen(link xport.Link) int {
	mtu := link.MtuOut()
	if mtu <= 0 {
		mtu = bledefs.BLE_ATT_MTU_DFLT - bledefs.BLE_WRITE_CMD_BASE_SZ
	}

	if x.MaxChunk > 0 {
		return min(mtu, x.MaxChunk)
	}
	return mtu
}

func buildCreateReq(objType byte, size int) []byte {
	b := make([]byte, 6)
	b[0] = DFU_OP_CREATE
	b[1] = objType
	binary.LittleEndian.PutUint32(b[2:], uint32(size))
	return b
}

func (x *ChunkTransfer) ctl(ctx context.Context, link xport.Link,
	req []byte) error {

	if err := link.WriteChr(ctx, x.CtlChr, req, true); err != nil {
		return errors.Wrapf(err, "control point op 0x%02x", req[0])
	}
	return nil
}

// Writes data to the packet characteristic.  progressCb is called after each
// chunk with the number of bytes written so far.
func (x *ChunkTransfer) stream(ctx context.Context, link xport.Link,
	data []byte, progressCb func(off int, n int, dur time.Duration)) error {

	chunkLen := x.chunkLen(link)

	for off := 0; off < len(data); {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(len(data)-off, chunkLen)
		before := x.now()
		if err := link.WriteChr(ctx, x.PktChr, data[off:off+n],
			false); err != nil {

			return errors.Wrapf(err, "packet write at offset %d", off)
		}
		off += n

		if progressCb != nil {
			progressCb(off, n, x.now().Sub(before))
		}
	}

	return nil
}

func rate(n int, dur time.Duration) float64 {
	if dur <= 0 {
		return 0
	}
	return float64(n) / dur.Seconds()
}

func (x *ChunkTransfer) sendPart(ctx context.Context, link xport.Link,
	part *fwpkg.Part, progressCb func(off int, n int,
		dur time.Duration)) error {

	if part.Dat != nil {
		if err := x.ctl(ctx, link,
			buildCreateReq(DFU_OBJ_COMMAND, len(part.Dat))); err != nil {

			return err
		}
		if err := x.stream(ctx, link, part.Dat, nil); err != nil {
			return err
		}
		if err := x.ctl(ctx, link, []byte{DFU_OP_EXECUTE}); err != nil {
			return err
		}
	}

	if err := x.ctl(ctx, link,
		buildCreateReq(DFU_OBJ_DATA, len(part.Bin))); err != nil {

		return err
	}

	return x.stream(ctx, link, part.Bin, progressCb)
}

func (x *ChunkTransfer) Run(ctx context.Context, tgt Target,
	pkg *fwpkg.Package, opts Opts, rep Reporter) error {

	link := tgt.Link
	if link == nil {
		return tagxutil.FmtXportError("no link to %s", tgt.PeerId)
	}

	rep.State(STATE_STARTING)

	if opts.UnsafeButtonless {
		rep.State(STATE_ENABLING_DFU_MODE)
		if err := link.WriteChr(ctx, x.ButtonlessChr,
			[]byte{DFU_BUTTONLESS_ENTER}, true); err != nil {

			return errors.Wrap(err, "enter dfu mode")
		}
	}

	rep.State(STATE_UPLOADING)

	total := pkg.TotalParts()
	sent := 0
	start := x.now()

	for i, part := range pkg.Parts {
		partNum := i + 1
		log.Debugf("Uploading part %d/%d (%s, %d bytes)",
			partNum, total, part.Type, len(part.Bin))

		progressCb := func(off int, n int, dur time.Duration) {
			sent += n
			rep.Progress(Progress{
				Part:           partNum,
				TotalParts:     total,
				Percent:        off * 100 / len(part.Bin),
				CurBytesPerSec: rate(n, dur),
				AvgBytesPerSec: rate(sent, x.now().Sub(start)),
			})
		}

		if err := x.sendPart(ctx, link, part, progressCb); err != nil {
			return err
		}

		if partNum < total {
			if err := x.ctl(ctx, link, []byte{DFU_OP_EXECUTE}); err != nil {
				return err
			}
		}
	}

	rep.State(STATE_VALIDATING)
	if err := x.ctl(ctx, link, []byte{DFU_OP_EXECUTE}); err != nil {
		return err
	}

	rep.State(STATE_DISCONNECTING)
	return nil
}
