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

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/fwpkg"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/task"
)

type Orchestrator struct {
	xfer Transfer

	mtx    sync.Mutex
	active map[string]*Session
}

func NewOrchestrator(xfer Transfer) *Orchestrator {
	if xfer == nil {
		xfer = NewChunkTransfer()
	}

	return &Orchestrator{
		xfer:   xfer,
		active: map[string]*Session{},
	}
}

// Opens the firmware package at path and starts updating the target with it.
// Image problems are reported here, before the transport is touched.
func (o *Orchestrator) Start(ctx context.Context, tgt Target, path string,
	opts Opts) (*Session, error) {

	pkg, err := fwpkg.Open(path)
	if err != nil {
		return nil, err
	}

	return o.StartPackage(ctx, tgt, pkg, opts)
}

// Starts updating the target with an already-parsed package.  The package is
// verified first.  At most one session per peripheral may be active.
func (o *Orchestrator) StartPackage(ctx context.Context, tgt Target,
	pkg *fwpkg.Package, opts Opts) (*Session, error) {

	if pkg == nil || len(pkg.Parts) == 0 {
		return nil, tagxutil.NewImageError("", "empty firmware package")
	}
	if err := pkg.Verify(); err != nil {
		return nil, err
	}

	o.mtx.Lock()
	if _, ok := o.active[tgt.PeerId]; ok {
		o.mtx.Unlock()
		return nil, tagxutil.NewSessionBusyError(tgt.PeerId)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newSession(o, tgt, pkg, opts, cancel)
	o.active[tgt.PeerId] = s
	o.mtx.Unlock()

	log.Infof("Starting firmware update %s on %s: %d part(s), %d bytes",
		s.Id, tgt.PeerId, pkg.TotalParts(), pkg.Size())

	go s.run(ctx, o.xfer)
	return s, nil
}

// Returns the session currently updating the given peripheral, or nil.
func (o *Orchestrator) Active(peerId string) *Session {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return o.active[peerId]
}

func (o *Orchestrator) release(s *Session) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	if o.active[s.PeerId] == s {
		delete(o.active, s.PeerId)
	}
}

// Monotonic position of a session.  Reports that would move it backwards
// are rejected.
type cursor struct {
	state   State
	started bool
	part    int
	percent int
}

func (c *cursor) advanceState(st State) bool {
	if c.started && (c.state.Terminal() || st <= c.state) {
		return false
	}

	c.state = st
	c.started = true
	return true
}

func (c *cursor) advanceProgress(p Progress) bool {
	if c.state != STATE_UPLOADING {
		return false
	}
	if p.Part < 1 || p.Part > p.TotalParts {
		return false
	}
	if p.Part < c.part || (p.Part == c.part && p.Percent < c.percent) {
		return false
	}

	c.part = p.Part
	c.percent = p.Percent
	return true
}

type Session struct {
	Id     string
	PeerId string
	Target Target
	Pkg    *fwpkg.Package
	Opts   Opts

	orch   *Orchestrator
	cancel context.CancelFunc

	mtx    sync.Mutex
	cur    cursor
	pumpQ  *task.TaskQueue
	evCh   chan Event
	doneCh chan struct{}
	err    error
}

func newSession(o *Orchestrator, tgt Target, pkg *fwpkg.Package, opts Opts,
	cancel context.CancelFunc) *Session {

	s := &Session{
		Id:     uuid.New().String(),
		PeerId: tgt.PeerId,
		Target: tgt,
		Pkg:    pkg,
		Opts:   opts,
		orch:   o,
		cancel: cancel,
		evCh:   make(chan Event),
		doneCh: make(chan struct{}),
	}

	s.pumpQ = task.NewTaskQueue("dfu-" + s.Id)
	s.pumpQ.Start()

	return s
}

// Delivers the session's events in order.  Closed after the terminal event.
// The channel must be drained.
func (s *Session) Events() <-chan Event {
	return s.evCh
}

// Blocks until the session reaches a terminal state.  Returns nil if the
// update completed.
func (s *Session) Wait() error {
	<-s.doneCh
	return s.err
}

// Cancels the update.  The session ends in STATE_ABORTED unless it already
// finished.
func (s *Session) Abort() {
	s.cancel()
}

func (s *Session) emit(ev Event) {
	ev.SessionId = s.Id
	ev.PeerId = s.PeerId

	if s.Opts.Listener != nil {
		s.Opts.Listener(ev)
	}

	evCh := s.evCh
	s.pumpQ.Post(func() { evCh <- ev })
	if ev.State.Terminal() {
		s.pumpQ.Post(func() {
			close(evCh)
			s.pumpQ.StopNoWait(nil)
		})
	}
}

// State implements Reporter.
func (s *Session) State(st State) {
	if st.Terminal() {
		log.Debugf("dfu %s: transfer reported terminal state %s; ignoring",
			s.Id, st)
		return
	}
	s.setState(st, nil)
}

func (s *Session) setState(st State, err error) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.cur.advanceState(st) {
		log.Debugf("dfu %s: dropping state %s (at %s)", s.Id, st, s.cur.state)
		return false
	}

	log.Debugf("dfu %s: state=%s", s.Id, st)
	s.emit(Event{
		State: st,
		Err:   err,
	})
	return true
}

// Progress implements Reporter.
func (s *Session) Progress(p Progress) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cur.started && s.cur.state < STATE_UPLOADING {
		s.cur.advanceState(STATE_UPLOADING)
		s.emit(Event{State: STATE_UPLOADING})
	}

	if !s.cur.advanceProgress(p) {
		log.Debugf("dfu %s: dropping progress part=%d/%d %d%%",
			s.Id, p.Part, p.TotalParts, p.Percent)
		return
	}

	s.emit(Event{
		State:    STATE_UPLOADING,
		Progress: &p,
	})
}

func (s *Session) run(ctx context.Context, xfer Transfer) {
	defer s.cancel()

	s.setState(STATE_CONNECTING, nil)
	err := xfer.Run(ctx, s.Target, s.Pkg, s.Opts, s)
	aborted := err != nil && (errors.Cause(err) == context.Canceled ||
		ctx.Err() == context.Canceled)

	// The peripheral is free again by the time the terminal event is seen.
	s.orch.release(s)

	var final State
	switch {
	case aborted:
		final = STATE_ABORTED
		s.err = tagxutil.NewUpdateSessionError(err)
		log.Infof("Firmware update %s on %s aborted", s.Id, s.PeerId)

	case err == nil:
		final = STATE_COMPLETED
		log.Infof("Firmware update %s on %s completed", s.Id, s.PeerId)

	default:
		final = STATE_FAILED
		s.err = tagxutil.NewUpdateSessionError(err)
		log.Errorf("Firmware update %s on %s failed: %s",
			s.Id, s.PeerId, err.Error())
	}

	s.setState(final, s.err)
	close(s.doneCh)
}
