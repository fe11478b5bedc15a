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
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

func (s *TagSesn) start(svcPrefix string, chrPrefix string,
	deviceId string) error {

	perm := s.adapter.CheckPermission()
	if perm != bledefs.PERMISSION_ALLOWED_ALWAYS {
		err := tagxutil.NewPermissionError(perm)
		log.Errorf("Not starting tag session: %s", err.Error())
		return err
	}

	if s.teardown() {
		log.Debugf("Restarting tag session")
		if s.Status() != bledefs.CONN_STATUS_DISCONNECTED {
			s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)
		}
	}

	s.identity = bledefs.DeriveServiceIdentity(svcPrefix, chrPrefix, deviceId)
	s.peers = map[string]*PeripheralHandle{}
	s.target = nil
	s.rc.reset()

	s.centralGen++
	gen := s.centralGen
	central, err := s.adapter.Open(func(ev xport.Event) {
		s.q.Post(func() { s.dispatch(gen, ev) })
	})
	if err != nil {
		log.Errorf("Failed to open BLE transport: %s", err.Error())
		s.setState(SESN_STATE_DISCONNECTED)
		s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)
		return nil
	}
	s.central = central

	log.Infof("Looking for tag %s", s.identity)
	s.scan()
	return nil
}

func (s *TagSesn) scan() {
	s.setState(SESN_STATE_SCANNING)

	err := s.central.Scan([]string{s.identity.SvcId}, true)
	if err != nil {
		log.Errorf("Failed to start scan: %s", err.Error())
		s.releaseCentral()
		s.setState(SESN_STATE_DISCONNECTED)
		s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)
	}
}

func (s *TagSesn) stop() {
	if s.getState() == SESN_STATE_STOPPED {
		return
	}

	wasLive := s.teardown()
	s.peers = map[string]*PeripheralHandle{}
	s.target = nil
	s.setState(SESN_STATE_STOPPED)

	if wasLive {
		s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)
	}
	log.Infof("Stopped looking for tag %s", s.identity)
}

// Cancels pending work and releases the transport session.  Returns true if
// a transport session was live.
func (s *TagSesn) teardown() bool {
	s.rc.cancel()
	s.neg = nil

	if s.central == nil {
		return false
	}

	if err := s.central.StopScan(); err != nil {
		log.Debugf("Failed to stop scan: %s", err.Error())
	}
	if s.target != nil {
		if err := s.central.CancelConnect(s.target.Id); err != nil {
			log.Debugf("Failed to cancel connection: %s", err.Error())
		}
	}
	s.releaseCentral()

	return true
}

func (s *TagSesn) releaseCentral() {
	if err := s.central.Close(); err != nil {
		log.Debugf("Failed to close BLE transport: %s", err.Error())
	}
	s.central = nil
	s.centralGen++
}

// True while a connection to the target is being set up or is up.
func (s *TagSesn) linkInProgress() bool {
	switch s.getState() {
	case SESN_STATE_CONNECTING,
		SESN_STATE_DISCOVERING_SVC,
		SESN_STATE_DISCOVERING_CHR,
		SESN_STATE_READY:

		return true
	default:
		return false
	}
}

func (s *TagSesn) isTarget(peerId string) bool {
	return s.target != nil && s.target.Id == peerId
}

func (s *TagSesn) dispatch(gen uint64, ev xport.Event) {
	if gen != s.centralGen || s.central == nil {
		log.Debugf("Dropping %T from released transport session", ev)
		return
	}

	switch ev := ev.(type) {
	case *xport.DiscoveredEvt:
		s.onDiscovered(ev)

	case *xport.ConnectedEvt:
		s.onConnected(ev)

	case *xport.ConnectFailedEvt:
		s.onConnectFailed(ev)

	case *xport.DisconnectedEvt:
		s.onDisconnected(ev)

	case *xport.SvcsDiscoveredEvt:
		s.onSvcsDiscovered(ev)

	case *xport.ChrsDiscoveredEvt:
		s.onChrsDiscovered(ev)

	case *xport.NotifyStateEvt:
		s.onNotifyState(ev)

	case *xport.WriteEvt:
		s.onWrite(ev)

	case *xport.ValueEvt:
		s.onValue(ev)

	case *xport.PowerEvt:
		s.onPower(ev)

	default:
		log.Debugf("Unhandled transport event: %T", ev)
	}
}

func (s *TagSesn) onDiscovered(ev *xport.DiscoveredEvt) {
	switch s.getState() {
	case SESN_STATE_IDLE, SESN_STATE_STOPPED:
		return
	}

	p := ev.Peer
	h := s.peers[p.Id]
	if h == nil {
		h = &PeripheralHandle{
			Id: p.Id,
		}
		s.peers[p.Id] = h
		log.Debugf("Discovered tag candidate %s (%s) rssi=%d",
			p.Id, p.Name, ev.Rssi)
	}
	if p.Addr != "" {
		h.Addr = p.Addr
	}
	if p.Name != "" {
		h.Name = p.Name
	}
	h.Rssi = ev.Rssi
	h.LastSeen = time.Now()

	// After a failed attempt only the reconnect timer or a new Start may
	// connect.
	if s.getState() == SESN_STATE_DISCONNECTED {
		return
	}

	if s.target == h && s.linkInProgress() {
		return
	}

	if s.target != nil && s.target != h && s.linkInProgress() {
		log.Debugf("Switching tag candidate %s --> %s", s.target.Id, h.Id)
		if err := s.central.CancelConnect(s.target.Id); err != nil {
			log.Debugf("Failed to cancel connection: %s", err.Error())
		}
	}

	s.target = h
	s.connect()
}

func (s *TagSesn) connect() {
	s.rc.cancel()
	s.neg = nil
	s.setState(SESN_STATE_CONNECTING)

	log.Debugf("Connecting to %s", s.target.Id)
	if err := s.central.Connect(s.target.Id); err != nil {
		s.connectFailed(tagxutil.NewConnectError(s.target.Id, err))
	}
}

func (s *TagSesn) onConnected(ev *xport.ConnectedEvt) {
	if !s.isTarget(ev.PeerId) || s.getState() != SESN_STATE_CONNECTING {
		log.Debugf("Ignoring connect of %s", ev.PeerId)
		return
	}

	if err := s.central.StopScan(); err != nil {
		log.Debugf("Failed to stop scan: %s", err.Error())
	}
	s.emitStatus(bledefs.CONN_STATUS_CONNECTING)

	s.setState(SESN_STATE_DISCOVERING_SVC)
	s.neg = newNegotiator(ev.PeerId)
	err := s.central.DiscoverSvcs(ev.PeerId, []string{s.identity.SvcId})
	if err != nil {
		s.negotiateFailed(err)
	}
}

func (s *TagSesn) onConnectFailed(ev *xport.ConnectFailedEvt) {
	if !s.isTarget(ev.PeerId) || s.getState() != SESN_STATE_CONNECTING {
		log.Debugf("Ignoring connect failure of %s", ev.PeerId)
		return
	}

	s.connectFailed(tagxutil.NewConnectError(ev.PeerId, ev.Err))
}

func (s *TagSesn) connectFailed(err error) {
	log.Debugf("%s", err.Error())
	s.retryOrGiveUp(true)
}

func (s *TagSesn) negotiateFailed(err error) {
	log.Debugf("Tag negotiation failed: %s", err.Error())

	s.neg = nil
	if err := s.central.CancelConnect(s.target.Id); err != nil {
		log.Debugf("Failed to cancel connection: %s", err.Error())
	}
	s.retryOrGiveUp(true)
}

// Schedules a reconnect if policy allows; otherwise gives up, emitting
// Disconnected if emit is set.
func (s *TagSesn) retryOrGiveUp(emit bool) {
	s.setState(SESN_STATE_DISCONNECTED)

	if err := s.central.StopScan(); err != nil {
		log.Debugf("Failed to stop scan: %s", err.Error())
	}

	if s.rc.allowed() {
		s.rc.schedule(s.reconnectFired)
		return
	}

	if s.cfg.Host.Backgrounded() {
		log.Infof("Giving up on tag %s after %d reconnect attempts",
			s.target.Id, s.rc.attempts)
	}
	if emit {
		s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)
	}
}

func (s *TagSesn) reconnectFired() {
	if s.getState() == SESN_STATE_STOPPED || s.central == nil ||
		s.target == nil {

		return
	}

	log.Debugf("Reconnect attempt %d to %s", s.rc.attempts, s.target.Id)
	s.connect()
}

func (s *TagSesn) onDisconnected(ev *xport.DisconnectedEvt) {
	if !s.isTarget(ev.PeerId) || !s.linkInProgress() {
		log.Debugf("Ignoring disconnect of %s", ev.PeerId)
		return
	}

	name := ev.Name
	if name == "" {
		name = s.target.Name
	}

	log.Infof("Tag %s disconnected; reason=%s", ev.PeerId, ev.Reason)

	s.neg = nil
	s.setState(SESN_STATE_DISCONNECTED)
	s.emitDisconnected()
	s.emitStatus(bledefs.CONN_STATUS_DISCONNECTED)

	switch {
	case ev.Reason.InvalidatesSession():
		// The tag must be found again from scratch; Start resumes.
		s.teardown()

	// Stacks disagree on the case of UUID strings.
	case ev.Reason == bledefs.DISCONNECT_REASON_UNKNOWN &&
		strings.EqualFold(name, s.identity.SvcId):

		s.connect()

	case ev.Reason == bledefs.DISCONNECT_REASON_NONE:
		// Closed locally.

	default:
		s.retryOrGiveUp(false)
	}
}

func (s *TagSesn) onSvcsDiscovered(ev *xport.SvcsDiscoveredEvt) {
	if !s.isTarget(ev.PeerId) ||
		s.getState() != SESN_STATE_DISCOVERING_SVC {

		return
	}

	if ev.Err != nil {
		s.negotiateFailed(ev.Err)
		return
	}

	for _, svc := range ev.Svcs {
		if bledefs.UuidsEqual(svc, s.identity.SvcId) {
			s.setState(SESN_STATE_DISCOVERING_CHR)
			err := s.central.DiscoverChrs(ev.PeerId, svc,
				[]string{s.identity.ChrId})
			if err != nil {
				s.negotiateFailed(err)
			}
			return
		}
	}

	log.Debugf("Tag %s does not expose service %s",
		ev.PeerId, s.identity.SvcId)
}

func (s *TagSesn) onChrsDiscovered(ev *xport.ChrsDiscoveredEvt) {
	if !s.isTarget(ev.PeerId) ||
		s.getState() != SESN_STATE_DISCOVERING_CHR ||
		!bledefs.UuidsEqual(ev.SvcId, s.identity.SvcId) {

		return
	}

	if ev.Err != nil {
		s.negotiateFailed(ev.Err)
		return
	}

	for _, chr := range ev.Chrs {
		if bledefs.UuidsEqual(chr.Uuid, s.identity.ChrId) {
			if err := s.neg.begin(s.central, chr); err != nil {
				s.negotiateFailed(err)
			}
			return
		}
	}

	log.Debugf("Tag %s does not expose characteristic %s",
		ev.PeerId, s.identity.ChrId)
}

func (s *TagSesn) negotiating(peerId string, chrId string) bool {
	return s.neg != nil && s.neg.owns(peerId, chrId) &&
		(s.getState() == SESN_STATE_DISCOVERING_CHR ||
			s.getState() == SESN_STATE_READY)
}

func (s *TagSesn) onNotifyState(ev *xport.NotifyStateEvt) {
	if !s.negotiating(ev.PeerId, ev.ChrId) {
		return
	}

	ready, err := s.neg.onNotifyState(ev)
	s.negotiated(ready, err)
}

func (s *TagSesn) onWrite(ev *xport.WriteEvt) {
	if !s.negotiating(ev.PeerId, ev.ChrId) {
		return
	}

	ready, err := s.neg.onWrite(ev)
	s.negotiated(ready, err)
}

func (s *TagSesn) negotiated(ready bool, err error) {
	switch {
	case ready:
		s.rc.reset()
		s.setState(SESN_STATE_READY)
		log.Infof("Connected to tag %s", s.target.Id)
		s.emitStatus(bledefs.CONN_STATUS_CONNECTED)

	case err != nil:
		s.negotiateFailed(err)
	}
}

func (s *TagSesn) onValue(ev *xport.ValueEvt) {
	if !s.isTarget(ev.PeerId) ||
		!bledefs.UuidsEqual(ev.ChrId, s.identity.ChrId) || ev.Err != nil {

		return
	}

	s.emitValue(append([]byte(nil), ev.Data...))
}

func (s *TagSesn) onPower(ev *xport.PowerEvt) {
	if !ev.On {
		log.Errorf("Bluetooth is powered off")
		return
	}

	log.Debugf("Bluetooth is powered on")
	if s.getState() == SESN_STATE_SCANNING {
		s.scan()
	}
}
