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
	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type legState int

const (
	LEG_UNUSED legState = iota
	LEG_PENDING
	LEG_DONE
	LEG_FAILED
)

// Performs the application handshake on the tag characteristic: enable
// notifications and/or write HandshakeValue with confirmation.  The first leg
// to succeed makes the link ready; one negotiator covers one connection
// attempt.
type negotiator struct {
	peerId string
	chrId  string
	notify legState
	write  legState
	ready  bool
}

func newNegotiator(peerId string) *negotiator {
	return &negotiator{
		peerId: peerId,
	}
}

func (n *negotiator) begin(c xport.Central, chr xport.Chr) error {
	n.chrId = chr.Uuid

	if !chr.Flags.CanNotify() && !chr.Flags.CanWrite() {
		return tagxutil.FmtNegotiateError(
			"characteristic %s supports neither notify nor write (%s)",
			chr.Uuid, chr.Flags)
	}

	if chr.Flags.CanNotify() {
		if err := c.SetNotify(n.peerId, chr.Uuid, true); err != nil {
			log.Debugf("Failed to enable notifications: %s", err.Error())
			n.notify = LEG_FAILED
		} else {
			n.notify = LEG_PENDING
		}
	}

	if chr.Flags.CanWrite() {
		if err := c.Write(n.peerId, chr.Uuid, bledefs.HandshakeValue,
			true); err != nil {

			log.Debugf("Failed to write handshake: %s", err.Error())
			n.write = LEG_FAILED
		} else {
			n.write = LEG_PENDING
		}
	}

	if n.failed() {
		return tagxutil.NewNegotiateError("handshake could not be issued")
	}
	return nil
}

func (n *negotiator) owns(peerId string, chrId string) bool {
	return peerId == n.peerId && bledefs.UuidsEqual(chrId, n.chrId)
}

// True once no leg can still succeed.
func (n *negotiator) failed() bool {
	return !n.ready &&
		n.notify != LEG_PENDING && n.notify != LEG_DONE &&
		n.write != LEG_PENDING && n.write != LEG_DONE
}

func (n *negotiator) complete(leg *legState, err error) (bool, error) {
	if *leg != LEG_PENDING {
		return false, nil
	}

	if err != nil {
		*leg = LEG_FAILED
		if n.failed() {
			return false, tagxutil.FmtNegotiateError("handshake failed: %s",
				err.Error())
		}
		return false, nil
	}

	*leg = LEG_DONE
	if n.ready {
		return false, nil
	}
	n.ready = true
	return true, nil
}

// Returns true the first time a leg of this handshake succeeds.  Returns an
// error once every issued leg has failed.
func (n *negotiator) onNotifyState(ev *xport.NotifyStateEvt) (bool, error) {
	if ev.Err == nil && !ev.Enabled {
		return n.complete(&n.notify,
			tagxutil.NewNegotiateError("notifications not enabled"))
	}
	return n.complete(&n.notify, ev.Err)
}

func (n *negotiator) onWrite(ev *xport.WriteEvt) (bool, error) {
	return n.complete(&n.write, ev.Err)
}
