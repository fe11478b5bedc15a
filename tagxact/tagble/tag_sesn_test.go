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

package tagble

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

const (
	testSvcPrefix = "SVC-"
	testChrPrefix = "CHR-"
	testDeviceId  = "ABCDEFGHIJKLMNOPQRSTUVWX"
	testSvcId     = "SVC-MNOPQRSTUVWX"
	testChrId     = "CHR-MNOPQRSTUVWX"
	testPeer      = "peer-1"
)

type fixture struct {
	t       *testing.T
	adapter *mockAdapter
	central *mockCentral
	host    *countingHost
	obs     *recObserver
	sesn    *TagSesn
}

func newFixture(t *testing.T, background bool, itvl time.Duration) *fixture {
	f := &fixture{
		t:       t,
		adapter: newMockAdapter(),
		host:    newCountingHost(background),
		obs:     &recObserver{},
	}
	f.central = f.adapter.central

	cfg := NewSesnCfg()
	cfg.ReconnectInterval = itvl
	cfg.Host = f.host
	cfg.Observer = f.obs

	f.sesn = NewTagSesn(f.adapter, cfg)
	t.Cleanup(func() { f.sesn.Close() })
	return f
}

// Waits until every queued event and notification has been handled.
func (f *fixture) settle() {
	f.sesn.q.Run(func() error { return nil })
	f.sesn.nq.Run(func() error { return nil })
}

func (f *fixture) emit(ev xport.Event) {
	f.central.emit(ev)
	f.settle()
}

func (f *fixture) start() {
	if err := f.sesn.Start(testSvcPrefix, testChrPrefix,
		testDeviceId); err != nil {

		f.t.Fatalf("start: %v", err)
	}
	f.settle()
}

func (f *fixture) attempts() int {
	n := 0
	f.sesn.q.Run(func() error {
		n = f.sesn.rc.attempts
		return nil
	})
	return n
}

func (f *fixture) discover(peerId string) {
	f.emit(&xport.DiscoveredEvt{
		Peer: xport.Peripheral{Id: peerId, Name: "tag"},
		Rssi: -50,
	})
}

func (f *fixture) negotiateTo(peerId string, flags bledefs.BleChrFlags) {
	f.emit(&xport.ConnectedEvt{PeerId: peerId})
	f.emit(&xport.SvcsDiscoveredEvt{
		PeerId: peerId,
		Svcs:   []string{"180a", strings.ToLower(testSvcId)},
	})
	f.emit(&xport.ChrsDiscoveredEvt{
		PeerId: peerId,
		SvcId:  testSvcId,
		Chrs:   []xport.Chr{{Uuid: testChrId, Flags: flags}},
	})
}

func (f *fixture) toReady() {
	f.start()
	f.discover(testPeer)
	f.negotiateTo(testPeer,
		bledefs.BLE_GATT_F_WRITE|bledefs.BLE_GATT_F_NOTIFY)
	f.emit(&xport.WriteEvt{PeerId: testPeer, ChrId: testChrId})

	if f.sesn.State() != SESN_STATE_READY {
		f.t.Fatalf("state = %s, want ready", f.sesn.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func checkLines(t *testing.T, got []string, want ...string) {
	t.Helper()

	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStartRequiresPermission(t *testing.T) {
	for _, perm := range []bledefs.PermissionState{
		bledefs.PERMISSION_NOT_DETERMINED,
		bledefs.PERMISSION_RESTRICTED,
		bledefs.PERMISSION_DENIED,
	} {
		f := newFixture(t, false, time.Hour)
		f.adapter.perm = perm

		err := f.sesn.Start(testSvcPrefix, testChrPrefix, testDeviceId)
		pe := tagxutil.ToPermission(err)
		if pe == nil {
			t.Fatalf("%s: got %v, want PermissionError", perm, err)
		}
		if pe.State != perm {
			t.Errorf("%s: error carries state %s", perm, pe.State)
		}
		if f.adapter.openCount() != 0 || len(f.central.scans) != 0 {
			t.Errorf("%s: transport used without permission", perm)
		}
	}
}

func TestStartScansForIdentity(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()

	if f.sesn.State() != SESN_STATE_SCANNING {
		t.Fatalf("state = %s, want scanning", f.sesn.State())
	}

	si := f.sesn.Identity()
	if si.SvcId != testSvcId || si.ChrId != testChrId {
		t.Errorf("identity = %s", si)
	}

	if len(f.central.scans) != 1 || len(f.central.scans[0]) != 1 ||
		f.central.scans[0][0] != testSvcId {

		t.Errorf("scan filters = %v", f.central.scans)
	}
}

func TestStartTransportFailure(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.adapter.openErr = errors.New("no controller")
	f.start()

	checkLines(t, f.obs.with("status:"), "status:disconnected")
	if f.sesn.State() != SESN_STATE_DISCONNECTED {
		t.Errorf("state = %s", f.sesn.State())
	}
}

func TestDuplicateDiscoveryConnectsOnce(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()

	f.discover(testPeer)
	f.discover(testPeer)
	f.discover(testPeer)

	if n := f.central.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if n := len(f.sesn.Peripherals()); n != 1 {
		t.Errorf("peripherals = %d, want 1", n)
	}
}

func TestNewCandidateReplacesTarget(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()

	f.discover("peer-a")
	f.discover("peer-b")

	if n := f.central.connectCount(); n != 2 {
		t.Fatalf("connects = %d, want 2", n)
	}
	if len(f.central.cancels) != 1 || f.central.cancels[0] != "peer-a" {
		t.Errorf("cancels = %v, want [peer-a]", f.central.cancels)
	}

	// Late events from the old candidate are ignored.
	f.emit(&xport.ConnectedEvt{PeerId: "peer-a"})
	if f.sesn.State() != SESN_STATE_CONNECTING {
		t.Errorf("state = %s, want connecting", f.sesn.State())
	}
}

func TestHandshakeReachesConnected(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.toReady()

	checkLines(t, f.obs.with("state:"),
		"state:scanning", "state:connecting", "state:discovering_svc",
		"state:discovering_chr", "state:ready")
	checkLines(t, f.obs.with("status:"),
		"status:connecting", "status:connected")

	if !f.sesn.IsConnected() {
		t.Errorf("session not connected")
	}
	if f.central.stopScans == 0 {
		t.Errorf("scan not stopped after connect")
	}
	if len(f.central.notifies) != 1 {
		t.Errorf("notify requests = %d, want 1", len(f.central.notifies))
	}
	if len(f.central.writes) != 1 ||
		string(f.central.writes[0]) != string(bledefs.HandshakeValue) ||
		!f.central.writeConfrm[0] {

		t.Errorf("handshake writes = %v", f.central.writes)
	}

	// The second leg does not announce the connection again.
	f.emit(&xport.NotifyStateEvt{
		PeerId:  testPeer,
		ChrId:   testChrId,
		Enabled: true,
	})
	if n := len(f.obs.with("status:connected")); n != 1 {
		t.Errorf("connected emitted %d times", n)
	}
}

func TestHandshakeEitherLeg(t *testing.T) {
	tests := []struct {
		name  string
		flags bledefs.BleChrFlags
		ack   xport.Event
	}{
		{
			"notify only",
			bledefs.BLE_GATT_F_NOTIFY,
			&xport.NotifyStateEvt{PeerId: testPeer, ChrId: testChrId,
				Enabled: true},
		},
		{
			"write only",
			bledefs.BLE_GATT_F_WRITE,
			&xport.WriteEvt{PeerId: testPeer, ChrId: testChrId},
		},
		{
			"notify wins",
			bledefs.BLE_GATT_F_WRITE | bledefs.BLE_GATT_F_NOTIFY,
			&xport.NotifyStateEvt{PeerId: testPeer, ChrId: testChrId,
				Enabled: true},
		},
	}

	for _, tt := range tests {
		f := newFixture(t, false, time.Hour)
		f.start()
		f.discover(testPeer)
		f.negotiateTo(testPeer, tt.flags)
		f.emit(tt.ack)

		if f.sesn.State() != SESN_STATE_READY {
			t.Errorf("%s: state = %s, want ready", tt.name, f.sesn.State())
		}
	}
}

func TestHandshakeOneLegFails(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()
	f.discover(testPeer)
	f.negotiateTo(testPeer,
		bledefs.BLE_GATT_F_WRITE|bledefs.BLE_GATT_F_NOTIFY)

	f.emit(&xport.WriteEvt{PeerId: testPeer, ChrId: testChrId,
		Err: errors.New("write rejected")})
	if f.sesn.State() != SESN_STATE_DISCOVERING_CHR {
		t.Fatalf("state = %s after one failed leg", f.sesn.State())
	}

	f.emit(&xport.NotifyStateEvt{PeerId: testPeer, ChrId: testChrId,
		Enabled: true})
	if f.sesn.State() != SESN_STATE_READY {
		t.Errorf("state = %s, want ready", f.sesn.State())
	}
}

func TestUnusableChrGivesUp(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()
	f.discover(testPeer)
	f.negotiateTo(testPeer, bledefs.BLE_GATT_F_READ)

	if f.sesn.State() != SESN_STATE_DISCONNECTED {
		t.Errorf("state = %s, want disconnected", f.sesn.State())
	}
	checkLines(t, f.obs.with("status:"),
		"status:connecting", "status:disconnected")
	if f.host.begunCount() != 0 {
		t.Errorf("foreground session scheduled a reconnect")
	}
}

func TestMissingServiceStays(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()
	f.discover(testPeer)
	f.emit(&xport.ConnectedEvt{PeerId: testPeer})
	f.emit(&xport.SvcsDiscoveredEvt{PeerId: testPeer, Svcs: []string{"180a"}})

	if f.sesn.State() != SESN_STATE_DISCOVERING_SVC {
		t.Errorf("state = %s, want discovering_svc", f.sesn.State())
	}
}

func TestConnectedResetsAttempts(t *testing.T) {
	f := newFixture(t, true, time.Hour)
	f.start()
	f.sesn.q.Run(func() error {
		f.sesn.rc.attempts = 3
		return nil
	})

	f.discover(testPeer)
	f.negotiateTo(testPeer, bledefs.BLE_GATT_F_WRITE)
	f.emit(&xport.WriteEvt{PeerId: testPeer, ChrId: testChrId})

	if n := f.attempts(); n != 0 {
		t.Errorf("attempts = %d after connect, want 0", n)
	}
}

func TestForegroundConnectFailure(t *testing.T) {
	f := newFixture(t, false, time.Millisecond)
	f.start()
	f.discover(testPeer)
	f.emit(&xport.ConnectFailedEvt{PeerId: testPeer,
		Err: errors.New("refused")})

	checkLines(t, f.obs.with("status:"), "status:disconnected")
	time.Sleep(20 * time.Millisecond)
	if n := f.central.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if f.host.begunCount() != 0 {
		t.Errorf("background tasks begun in foreground")
	}
}

func TestReconnectBudget(t *testing.T) {
	f := newFixture(t, true, time.Millisecond)
	f.central.failConnect = true
	f.start()
	f.discover(testPeer)

	waitFor(t, "give up", func() bool {
		return len(f.obs.with("status:disconnected")) > 0
	})
	f.settle()

	if n := f.central.connectCount(); n != 5 {
		t.Errorf("connects = %d, want 5", n)
	}
	if n := f.attempts(); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
	if n := f.host.begunCount(); n != 4 {
		t.Errorf("background tasks begun = %d, want 4", n)
	}
	if n := f.host.Outstanding(); n != 0 {
		t.Errorf("background tasks outstanding = %d", n)
	}

	time.Sleep(30 * time.Millisecond)
	f.settle()
	if n := f.central.connectCount(); n != 5 {
		t.Errorf("connect after budget exhausted: %d", n)
	}
	if n := len(f.obs.with("status:disconnected")); n != 1 {
		t.Errorf("disconnected emitted %d times", n)
	}
}

func TestDiscoveryAfterGiveUp(t *testing.T) {
	f := newFixture(t, true, time.Millisecond)
	f.central.failConnect = true
	f.start()
	f.discover(testPeer)

	waitFor(t, "give up", func() bool {
		return len(f.obs.with("status:disconnected")) > 0
	})
	f.settle()

	if f.central.stopScanCount() == 0 {
		t.Errorf("scan left running after giving up")
	}

	for i := 0; i < 3; i++ {
		f.discover(testPeer)
	}
	f.discover("peer-2")
	time.Sleep(30 * time.Millisecond)
	f.settle()

	if n := f.central.connectCount(); n != 5 {
		t.Errorf("connects = %d, want 5", n)
	}
	if n := len(f.obs.with("status:disconnected")); n != 1 {
		t.Errorf("disconnected emitted %d times", n)
	}
	if f.sesn.State() != SESN_STATE_DISCONNECTED {
		t.Errorf("state = %s, want disconnected", f.sesn.State())
	}

	// Start resumes.
	f.central.failConnect = false
	f.start()
	f.discover(testPeer)
	if n := f.central.connectCount(); n != 6 {
		t.Errorf("connects after restart = %d, want 6", n)
	}
}

func TestDiscoveryWhileReconnectPending(t *testing.T) {
	f := newFixture(t, true, time.Hour)
	f.start()
	f.discover(testPeer)
	f.emit(&xport.ConnectFailedEvt{PeerId: testPeer,
		Err: errors.New("refused")})

	f.discover(testPeer)
	f.discover("peer-2")

	if n := f.central.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if n := f.attempts(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if n := f.host.Outstanding(); n != 1 {
		t.Errorf("background tasks outstanding = %d, want 1", n)
	}
	pending := false
	f.sesn.q.Run(func() error {
		pending = f.sesn.rc.pending()
		return nil
	})
	if !pending {
		t.Errorf("reconnect timer cancelled by discovery")
	}
	if f.sesn.State() != SESN_STATE_DISCONNECTED {
		t.Errorf("state = %s, want disconnected", f.sesn.State())
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, true, time.Hour)
	f.start()
	f.discover(testPeer)
	f.emit(&xport.ConnectFailedEvt{PeerId: testPeer,
		Err: errors.New("refused")})

	if f.host.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", f.host.Outstanding())
	}

	if err := f.sesn.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f.settle()

	if f.host.Outstanding() != 0 {
		t.Errorf("token not released on stop")
	}
	if f.sesn.State() != SESN_STATE_STOPPED {
		t.Errorf("state = %s, want stopped", f.sesn.State())
	}
	if f.central.closeCount() != 1 {
		t.Errorf("transport closes = %d, want 1", f.central.closeCount())
	}
	checkLines(t, f.obs.with("status:"), "status:disconnected")

	// Stop is idempotent.
	if err := f.sesn.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	f.settle()
	checkLines(t, f.obs.with("status:"), "status:disconnected")
	if f.central.closeCount() != 1 {
		t.Errorf("transport closed twice")
	}
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	if err := f.sesn.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f.settle()

	if n := len(f.obs.with("status:")); n != 0 {
		t.Errorf("idle stop emitted %d statuses", n)
	}
}

func TestPeerDisconnectInvalidatesSession(t *testing.T) {
	for _, reason := range []bledefs.DisconnectReason{
		bledefs.DISCONNECT_REASON_PEER,
		bledefs.DISCONNECT_REASON_TIMEOUT,
	} {
		f := newFixture(t, true, time.Millisecond)
		f.toReady()

		f.emit(&xport.DisconnectedEvt{
			PeerId: testPeer,
			Reason: reason,
			Err:    tagxutil.NewDisconnectError(reason, "link lost"),
		})

		all := f.obs.all()
		tail := all[len(all)-3:]
		checkLines(t, tail, "state:disconnected", "disconnected",
			"status:disconnected")

		if f.central.closeCount() != 1 {
			t.Errorf("%s: transport not released", reason)
		}

		// Nothing from the released session has any effect.
		f.central.emit(&xport.DiscoveredEvt{
			Peer: xport.Peripheral{Id: testPeer},
		})
		time.Sleep(20 * time.Millisecond)
		f.settle()
		if n := f.central.connectCount(); n != 1 {
			t.Errorf("%s: connects = %d, want 1", reason, n)
		}
		if f.host.begunCount() != 0 {
			t.Errorf("%s: reconnect scheduled", reason)
		}
	}
}

func TestUnknownDisconnectReconnectsImmediately(t *testing.T) {
	for _, name := range []string{
		testSvcId,
		strings.ToLower(testSvcId),
	} {
		f := newFixture(t, true, time.Hour)
		f.toReady()

		f.emit(&xport.DisconnectedEvt{
			PeerId: testPeer,
			Name:   name,
			Reason: bledefs.DISCONNECT_REASON_UNKNOWN,
			Err:    errors.New("unknown"),
		})

		if n := f.central.connectCount(); n != 2 {
			t.Errorf("%s: connects = %d, want 2", name, n)
		}
		if f.host.begunCount() != 0 {
			t.Errorf("%s: immediate reconnect took a background task", name)
		}
		if n := f.attempts(); n != 0 {
			t.Errorf("%s: attempts = %d, want 0", name, n)
		}
		if f.sesn.State() != SESN_STATE_CONNECTING {
			t.Errorf("%s: state = %s, want connecting", name, f.sesn.State())
		}
	}
}

func TestOtherDisconnectSchedulesReconnect(t *testing.T) {
	f := newFixture(t, true, time.Hour)
	f.toReady()

	f.emit(&xport.DisconnectedEvt{
		PeerId: testPeer,
		Name:   "not-the-tag",
		Reason: bledefs.DISCONNECT_REASON_UNKNOWN,
		Err:    errors.New("unknown"),
	})

	if n := f.host.begunCount(); n != 1 {
		t.Errorf("background tasks = %d, want 1", n)
	}
	if n := f.attempts(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if n := f.central.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if n := len(f.obs.with("disconnected")); n != 1 {
		t.Errorf("disconnect notified %d times", n)
	}
}

func TestLocalDisconnectDoesNotRetry(t *testing.T) {
	f := newFixture(t, true, time.Millisecond)
	f.toReady()

	f.emit(&xport.DisconnectedEvt{PeerId: testPeer})
	time.Sleep(20 * time.Millisecond)
	f.settle()

	if n := len(f.obs.with("disconnected")); n != 1 {
		t.Errorf("disconnect notified %d times", n)
	}
	if f.host.begunCount() != 0 || f.central.connectCount() != 1 {
		t.Errorf("local disconnect triggered a reconnect")
	}
}

func TestValueRead(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.toReady()

	f.emit(&xport.ValueEvt{PeerId: testPeer, ChrId: testChrId,
		Data: []byte{0x0a, 0x0b}})
	f.emit(&xport.ValueEvt{PeerId: testPeer, ChrId: "other",
		Data: []byte{0xff}})

	f.obs.mtx.Lock()
	defer f.obs.mtx.Unlock()
	if len(f.obs.values) != 1 || string(f.obs.values[0]) != "\x0a\x0b" {
		t.Errorf("values = %v", f.obs.values)
	}
}

func TestPowerOnRescans(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()

	f.emit(&xport.PowerEvt{On: false})
	f.emit(&xport.PowerEvt{On: true})

	if n := len(f.central.scans); n != 2 {
		t.Errorf("scans = %d, want 2", n)
	}
}

func TestRestartEmitsDisconnect(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.toReady()
	f.start()

	checkLines(t, f.obs.with("status:"), "status:connecting",
		"status:connected", "status:disconnected")
	if f.adapter.openCount() != 2 || f.central.closeCount() != 1 {
		t.Errorf("opens=%d closes=%d", f.adapter.openCount(),
			f.central.closeCount())
	}
	if f.sesn.State() != SESN_STATE_SCANNING {
		t.Errorf("state = %s, want scanning", f.sesn.State())
	}
}

func writeBin(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "app.bin")
	if err := ioutil.WriteFile(path, make([]byte, 300), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestUpdateFirmwareChecks(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.start()

	_, err := f.sesn.UpdateFirmware(context.Background(),
		filepath.Join(t.TempDir(), "missing.zip"), dfu.Opts{})
	if !tagxutil.IsImage(err) {
		t.Errorf("got %v, want ImageError", err)
	}

	_, err = f.sesn.UpdateFirmware(context.Background(), writeBin(t),
		dfu.Opts{})
	if !tagxutil.IsSesnClosed(err) {
		t.Errorf("got %v, want SesnClosedError", err)
	}
}

func TestUpdateFirmwareRelaysEvents(t *testing.T) {
	f := newFixture(t, false, time.Hour)
	f.toReady()

	us, err := f.sesn.UpdateFirmware(context.Background(), writeBin(t),
		dfu.Opts{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	for range us.Events() {
	}
	if err := us.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	f.settle()

	states := f.obs.with("dfu:")
	if len(states) == 0 || states[0] != "dfu:connecting" ||
		states[len(states)-1] != "dfu:completed" {

		t.Errorf("dfu states = %v", states)
	}

	progress := f.obs.with("progress:")
	if len(progress) == 0 || progress[len(progress)-1] != "progress:1/1:100" {
		t.Errorf("progress = %v", progress)
	}

	// A second update may start once the first has finished.
	us, err = f.sesn.UpdateFirmware(context.Background(), writeBin(t),
		dfu.Opts{})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	for range us.Events() {
	}
}
