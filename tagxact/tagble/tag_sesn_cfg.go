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

	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/dfu"
)

// Receives session notifications.  Calls are serialized and delivered in
// order on a dedicated goroutine; an observer may call back into the session.
type Observer interface {
	OnStatusChanged(status bledefs.ConnStatus)
	OnDisconnected()
	OnValueRead(data []byte)
	OnUpdateProgress(part int, totalParts int, percent int)
	OnUpdateStateChanged(state dfu.State)
}

// Observers that also implement StateListener are told about every internal
// state transition.
type StateListener interface {
	OnStateChanged(from TagSesnState, to TagSesnState)
}

type SesnCfg struct {
	// Reconnect policy.  Only applies while the host is backgrounded.
	MaxAttempts       int
	ReconnectInterval time.Duration

	Host     bgtask.Host
	Observer Observer

	// Nil means firmware updates use the default chunked transfer.
	Transfer dfu.Transfer
}

func NewSesnCfg() SesnCfg {
	return SesnCfg{
		MaxAttempts:       4,
		ReconnectInterval: 15 * time.Second,
		Host:              bgtask.NewStaticHost(false),
	}
}
