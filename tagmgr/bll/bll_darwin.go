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
	"context"

	"github.com/JuulLabs-OSS/ble"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

func deviceOpts(cfg XportCfg) []ble.Option {
	return nil
}

func setConnParams(dev ble.Device) error {
	return nil
}

func platformPermission(a *BllAdapter) bledefs.PermissionState {
	_, err := a.device()
	return devicePermission(err)
}

// CoreBluetooth power changes are not surfaced by the stack.
func watchPower(hciIdx int, fn func(on bool)) context.CancelFunc {
	return func() {}
}
