//go:build !darwin && !linux
// +build !darwin,!linux

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

package bll

import (
	"runtime"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type BllAdapter struct {
	cfg XportCfg
}

func NewBllAdapter(cfg XportCfg) *BllAdapter {
	return &BllAdapter{
		cfg: cfg,
	}
}

func (a *BllAdapter) CheckPermission() bledefs.PermissionState {
	return bledefs.PERMISSION_RESTRICTED
}

func (a *BllAdapter) Open(sink xport.EventSink) (xport.Central, error) {
	return nil, tagxutil.FmtXportError("ble transport not supported on %s",
		runtime.GOOS)
}

func (a *BllAdapter) Stop() error {
	return nil
}
