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

// Package bgtask models the host's execution state: whether the process is
// running in the background, and tokens that keep it alive while deferred
// work is pending.
package bgtask

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Keeps the host from suspending the process until released.  Release is
// idempotent.
type Token interface {
	Release()
}

type Host interface {
	Backgrounded() bool
	BeginTask(name string) (Token, error)
}

type onceToken struct {
	name    string
	once    sync.Once
	release func()
}

func newOnceToken(name string, release func()) *onceToken {
	return &onceToken{
		name:    name,
		release: release,
	}
}

func (t *onceToken) Release() {
	t.once.Do(func() {
		log.Debugf("Releasing background task \"%s\"", t.name)
		if t.release != nil {
			t.release()
		}
	})
}

// A host whose background flag is set explicitly.  Its tokens only count
// outstanding tasks.
type StaticHost struct {
	bg          int32
	outstanding int32
}

func NewStaticHost(background bool) *StaticHost {
	h := &StaticHost{}
	h.SetBackgrounded(background)
	return h
}

func (h *StaticHost) SetBackgrounded(background bool) {
	var v int32
	if background {
		v = 1
	}
	atomic.StoreInt32(&h.bg, v)
}

func (h *StaticHost) Backgrounded() bool {
	return atomic.LoadInt32(&h.bg) != 0
}

func (h *StaticHost) BeginTask(name string) (Token, error) {
	atomic.AddInt32(&h.outstanding, 1)
	log.Debugf("Began background task \"%s\"", name)

	return newOnceToken(name, func() {
		atomic.AddInt32(&h.outstanding, -1)
	}), nil
}

// Number of tokens handed out and not yet released.
func (h *StaticHost) Outstanding() int {
	return int(atomic.LoadInt32(&h.outstanding))
}
