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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/starlinx/tagmgr/tagxact/bgtask"
)

// Bounded retry with a fixed delay.  At most one attempt is pending at a
// time, and it holds a background token until it fires or is cancelled.  All
// methods run on the session's event queue.
type reconnector struct {
	host bgtask.Host
	itvl time.Duration
	max  int

	// Schedules fn onto the event queue.
	post func(fn func()) bool

	attempts int
	timer    *time.Timer
	token    bgtask.Token
	gen      uint64
}

func newReconnector(cfg SesnCfg, post func(fn func()) bool) *reconnector {
	return &reconnector{
		host: cfg.Host,
		itvl: cfg.ReconnectInterval,
		max:  cfg.MaxAttempts,
		post: post,
	}
}

// Reports whether another attempt is allowed right now.
func (r *reconnector) allowed() bool {
	return r.host.Backgrounded() && r.attempts < r.max
}

func (r *reconnector) pending() bool {
	return r.timer != nil
}

// Arms a new attempt, replacing any pending one.  fire runs on the event
// queue once the interval elapses.
func (r *reconnector) schedule(fire func()) {
	r.cancel()
	r.attempts++

	tok, err := r.host.BeginTask("tag reconnect")
	if err != nil {
		log.Warnf("Reconnect attempt %d without background task: %s",
			r.attempts, err.Error())
		tok = nil
	}
	r.token = tok

	gen := r.gen
	log.Debugf("Reconnect attempt %d/%d in %s", r.attempts, r.max, r.itvl)
	r.timer = time.AfterFunc(r.itvl, func() {
		r.post(func() { r.fired(gen, fire) })
	})
}

func (r *reconnector) fired(gen uint64, fire func()) {
	if gen != r.gen || r.timer == nil {
		log.Debugf("Ignoring stale reconnect timer")
		return
	}

	r.timer = nil
	r.gen++
	r.releaseToken()
	fire()
}

// Disarms the pending attempt, if any, and releases its token.
func (r *reconnector) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.releaseToken()
}

func (r *reconnector) releaseToken() {
	if r.token != nil {
		r.token.Release()
		r.token = nil
	}
}

func (r *reconnector) reset() {
	r.attempts = 0
}
