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
	"sync"

	"github.com/starlinx/tagmgr/tagxact/fwpkg"
)

type write struct {
	chr     string
	data    []byte
	confirm bool
}

type mockLink struct {
	peerId string
	mtu    int

	mtx       sync.Mutex
	writes    []write
	failAt    int
	failErr   error
	blockCh   chan struct{}
	writeHook func(n int)
}

func newMockLink(peerId string, mtu int) *mockLink {
	return &mockLink{
		peerId: peerId,
		mtu:    mtu,
		failAt: -1,
	}
}

func (l *mockLink) PeerId() string { return l.peerId }
func (l *mockLink) MtuOut() int    { return l.mtu }

func (l *mockLink) WriteChr(ctx context.Context, chrId string, data []byte,
	confirm bool) error {

	l.mtx.Lock()
	n := len(l.writes)
	l.writes = append(l.writes, write{
		chr:     chrId,
		data:    append([]byte(nil), data...),
		confirm: confirm,
	})
	failAt, failErr, blockCh, hook := l.failAt, l.failErr, l.blockCh, l.writeHook
	l.mtx.Unlock()

	if hook != nil {
		hook(n)
	}
	if n == failAt {
		return failErr
	}
	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *mockLink) writesTo(chr string) []write {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	var ws []write
	for _, w := range l.writes {
		if w.chr == chr {
			ws = append(ws, w)
		}
	}
	return ws
}

// A transfer that replays a scripted list of reports, optionally waiting for
// a release signal first.
type scriptXfer struct {
	script  func(rep Reporter)
	startCh chan struct{}
	waitCh  chan struct{}
	err     error
}

func (x *scriptXfer) Run(ctx context.Context, tgt Target, pkg *fwpkg.Package,
	opts Opts, rep Reporter) error {

	if x.startCh != nil {
		close(x.startCh)
	}
	if x.waitCh != nil {
		select {
		case <-x.waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if x.script != nil {
		x.script(rep)
	}
	return x.err
}
