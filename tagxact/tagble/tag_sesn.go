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

// Package tagble keeps a single BLE tag connected.  A TagSesn scans for the
// tag's service, connects, negotiates the tag characteristic, and reconnects
// according to its SesnCfg.  Every transport event and timer is handled on
// one serial queue; observer notifications go out, in order, on another.
package tagble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/fwpkg"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/task"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type TagSesnState int32

const (
	SESN_STATE_IDLE TagSesnState = iota
	SESN_STATE_SCANNING
	SESN_STATE_CONNECTING
	SESN_STATE_DISCOVERING_SVC
	SESN_STATE_DISCOVERING_CHR
	SESN_STATE_READY
	SESN_STATE_DISCONNECTED
	SESN_STATE_STOPPED
)

var sesnStateNameMap = map[TagSesnState]string{
	SESN_STATE_IDLE:            "idle",
	SESN_STATE_SCANNING:        "scanning",
	SESN_STATE_CONNECTING:      "connecting",
	SESN_STATE_DISCOVERING_SVC: "discovering_svc",
	SESN_STATE_DISCOVERING_CHR: "discovering_chr",
	SESN_STATE_READY:           "ready",
	SESN_STATE_DISCONNECTED:    "disconnected",
	SESN_STATE_STOPPED:         "stopped",
}

func (s TagSesnState) String() string {
	if name, ok := sesnStateNameMap[s]; ok {
		return name
	}
	return "???"
}

// A peripheral seen during the current session.
type PeripheralHandle struct {
	Id       string
	Addr     string
	Name     string
	Rssi     int
	LastSeen time.Time
}

type TagSesn struct {
	cfg     SesnCfg
	adapter xport.Adapter
	orch    *dfu.Orchestrator

	q  *task.TaskQueue
	nq *task.TaskQueue

	obsMtx sync.Mutex
	obs    Observer

	state  int32
	status int32

	// Only touched from q.
	central    xport.Central
	centralGen uint64
	identity   bledefs.ServiceIdentity
	peers      map[string]*PeripheralHandle
	target     *PeripheralHandle
	neg        *negotiator
	rc         *reconnector
}

func NewTagSesn(adapter xport.Adapter, cfg SesnCfg) *TagSesn {
	if cfg.Host == nil {
		cfg.Host = bgtask.NewStaticHost(false)
	}

	s := &TagSesn{
		cfg:     cfg,
		adapter: adapter,
		orch:    dfu.NewOrchestrator(cfg.Transfer),
		q:       task.NewTaskQueue("tag-sesn"),
		nq:      task.NewTaskQueue("tag-notify"),
		obs:     cfg.Observer,
		state:   int32(SESN_STATE_IDLE),
		status:  int32(bledefs.CONN_STATUS_DISCONNECTED),
		peers:   map[string]*PeripheralHandle{},
	}
	s.rc = newReconnector(cfg, s.q.Post)

	s.q.Start()
	s.nq.Start()

	return s
}

// Replaces the registered observer.  Nil unregisters.
func (s *TagSesn) SetObserver(o Observer) {
	s.obsMtx.Lock()
	defer s.obsMtx.Unlock()

	s.obs = o
}

func (s *TagSesn) observer() Observer {
	s.obsMtx.Lock()
	defer s.obsMtx.Unlock()

	return s.obs
}

func (s *TagSesn) runq(fn func() error) error {
	err := s.q.Run(fn)
	if err == task.InactiveError {
		return tagxutil.NewSesnClosedError("tag session closed")
	}
	return err
}

// Starts looking for the tag whose identity derives from the given prefixes
// and device id.  A running session is torn down first.  Fails only if the
// host denies Bluetooth access; transport trouble is reported through the
// observer.
func (s *TagSesn) Start(svcPrefix string, chrPrefix string,
	deviceId string) error {

	return s.runq(func() error {
		return s.start(svcPrefix, chrPrefix, deviceId)
	})
}

// Stops scanning, drops any connection, and cancels a pending reconnect.
// Idempotent.
func (s *TagSesn) Stop() error {
	return s.runq(func() error {
		s.stop()
		return nil
	})
}

// Stops the session and shuts down its queues.  The session cannot be used
// afterwards.
func (s *TagSesn) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}

	// Flush pending notifications.
	s.nq.Run(func() error { return nil })

	cause := tagxutil.NewSesnClosedError("tag session closed")
	s.q.Stop(cause)
	s.nq.Stop(cause)
	return nil
}

func (s *TagSesn) getState() TagSesnState {
	return TagSesnState(atomic.LoadInt32(&s.state))
}

func (s *TagSesn) setState(toState TagSesnState) {
	fromState := TagSesnState(atomic.SwapInt32(&s.state, int32(toState)))
	if fromState == toState {
		return
	}

	log.Debugf("Tag session state: %s --> %s", fromState, toState)
	s.notify(func(o Observer) {
		if sl, ok := o.(StateListener); ok {
			sl.OnStateChanged(fromState, toState)
		}
	})
}

func (s *TagSesn) State() TagSesnState {
	return s.getState()
}

func (s *TagSesn) Status() bledefs.ConnStatus {
	return bledefs.ConnStatus(atomic.LoadInt32(&s.status))
}

func (s *TagSesn) IsConnected() bool {
	return s.Status() == bledefs.CONN_STATUS_CONNECTED
}

func (s *TagSesn) Identity() bledefs.ServiceIdentity {
	var si bledefs.ServiceIdentity
	s.runq(func() error {
		si = s.identity
		return nil
	})
	return si
}

// Returns a snapshot of the peripherals discovered since the last start.
func (s *TagSesn) Peripherals() []PeripheralHandle {
	var phs []PeripheralHandle
	s.runq(func() error {
		for _, p := range s.peers {
			phs = append(phs, *p)
		}
		return nil
	})
	return phs
}

func (s *TagSesn) Orchestrator() *dfu.Orchestrator {
	return s.orch
}

func (s *TagSesn) notify(fn func(o Observer)) {
	s.nq.Post(func() {
		if o := s.observer(); o != nil {
			fn(o)
		}
	})
}

func (s *TagSesn) emitStatus(status bledefs.ConnStatus) {
	atomic.StoreInt32(&s.status, int32(status))
	log.Debugf("Tag status: %s", status)

	s.notify(func(o Observer) { o.OnStatusChanged(status) })
}

func (s *TagSesn) emitDisconnected() {
	s.notify(func(o Observer) { o.OnDisconnected() })
}

func (s *TagSesn) emitValue(data []byte) {
	s.notify(func(o Observer) { o.OnValueRead(data) })
}

// Updates the connected tag with the firmware package at path.  The image is
// validated before anything else happens.  Update events are relayed to the
// observer in the order they occur and are also available from the returned
// session.
func (s *TagSesn) UpdateFirmware(ctx context.Context, path string,
	opts dfu.Opts) (*dfu.Session, error) {

	pkg, err := fwpkg.Open(path)
	if err != nil {
		return nil, err
	}

	var tgt dfu.Target
	err = s.runq(func() error {
		if s.getState() != SESN_STATE_READY || s.central == nil ||
			s.target == nil {

			return tagxutil.NewSesnClosedError("tag not connected")
		}

		link, err := s.central.Link(s.target.Id)
		if err != nil {
			return err
		}

		tgt = dfu.Target{
			PeerId: s.target.Id,
			Link:   link,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inner := opts.Listener
	opts.Listener = func(ev dfu.Event) {
		s.q.Post(func() { s.onUpdateEvent(ev) })
		if inner != nil {
			inner(ev)
		}
	}

	return s.orch.StartPackage(ctx, tgt, pkg, opts)
}

func (s *TagSesn) onUpdateEvent(ev dfu.Event) {
	if p := ev.Progress; p != nil {
		log.Debugf("Firmware update %s: part %d/%d %d%%",
			ev.SessionId, p.Part, p.TotalParts, p.Percent)
		s.notify(func(o Observer) {
			o.OnUpdateProgress(p.Part, p.TotalParts, p.Percent)
		})
		return
	}

	log.Debugf("Firmware update %s: %s", ev.SessionId, ev.State)
	s.notify(func(o Observer) { o.OnUpdateStateChanged(ev.State) })
}
