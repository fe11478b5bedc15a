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

package cli

import (
	"fmt"
	"strings"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagmgr/bll"
	"github.com/starlinx/tagmgr/tagmgr/config"
	"github.com/starlinx/tagmgr/tagmgr/tinyble"
	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/tagble"
	"github.com/starlinx/tagmgr/tagxact/xport"
)

type stopper interface {
	Stop() error
}

var globalSesn *tagble.TagSesn
var globalTagCfg *config.TagConfig
var globalAdapter xport.Adapter

// Resolves the connection profile from --conntype/--connstring if given,
// otherwise from the named profile.
func getConnProfile() (*config.ConnProfile, error) {
	var cp *config.ConnProfile

	if tmutil.ConnType != "" {
		ct, err := config.ConnTypeFromString(tmutil.ConnType)
		if err != nil {
			return nil, err
		}

		cp = config.NewConnProfile()
		cp.Name = "unnamed"
		cp.Type = ct
		cp.ConnString = tmutil.ConnString
	} else {
		var err error
		cp, err = config.GlobalConnProfileMgr().GetConnProfile(
			tmutil.ConnProfile)
		if err != nil {
			return nil, err
		}

		// Work on a copy; the manager's entry may be saved later.
		dup := *cp
		cp = &dup
		if tmutil.ConnString != "" {
			cp.ConnString = tmutil.ConnString
		}
	}

	if tmutil.ConnExtra != "" {
		if cp.ConnString != "" {
			cp.ConnString += ","
		}
		cp.ConnString += tmutil.ConnExtra
	}

	return cp, nil
}

func buildAdapter(cp *config.ConnProfile,
	tc *config.TagConfig) (xport.Adapter, error) {

	switch cp.Type {
	case config.CONN_TYPE_BLE:
		cfg := bll.NewXportCfg()
		if tc.CtlrName != "" {
			cfg.CtlrName = tc.CtlrName
		}
		cfg.HciIdx = tc.HciIdx
		cfg.ConnTimeout = tc.ConnTimeout
		return bll.NewBllAdapter(cfg), nil

	case config.CONN_TYPE_TINYBLE:
		cfg := tinyble.NewXportCfg()
		cfg.HciIdx = tc.HciIdx
		cfg.ConnTimeout = tc.ConnTimeout
		return tinyble.NewTinyAdapter(cfg), nil

	default:
		return nil, util.FmtNewtError("Unknown connection type: %s (%d)",
			config.ConnTypeToString(cp.Type), int(cp.Type))
	}
}

func GetTagConfig() (*config.TagConfig, error) {
	if globalTagCfg != nil {
		return globalTagCfg, nil
	}

	cp, err := getConnProfile()
	if err != nil {
		return nil, err
	}

	tc, err := config.ParseTagConnString(cp.ConnString)
	if err != nil {
		return nil, err
	}
	tc.ApplyFlags()

	if err := tc.Validate(); err != nil {
		return nil, err
	}

	globalTagCfg = tc
	return tc, nil
}

// Builds the tag session described by the active connection profile.  The
// session is created once per process and is not started.
func GetSesn() (*tagble.TagSesn, error) {
	if globalSesn != nil {
		return globalSesn, nil
	}

	cp, err := getConnProfile()
	if err != nil {
		return nil, err
	}

	tc, err := GetTagConfig()
	if err != nil {
		return nil, err
	}

	a, err := buildAdapter(cp, tc)
	if err != nil {
		return nil, err
	}
	globalAdapter = a

	globalSesn = tagble.NewTagSesn(a, config.BuildTagSesnCfg(tc))
	return globalSesn, nil
}

func GetSesnIfOpen() (*tagble.TagSesn, error) {
	if globalSesn == nil {
		return nil, fmt.Errorf("sesn not initialized")
	}

	return globalSesn, nil
}

// Releases the host controller, if the transport holds one.
func StopAdapter() error {
	if s, ok := globalAdapter.(stopper); ok {
		return s.Stop()
	}

	return nil
}

func startSesn(s *tagble.TagSesn) error {
	tc, err := GetTagConfig()
	if err != nil {
		return err
	}

	if err := s.Start(tc.SvcPrefix, tc.ChrPrefix, tc.DeviceId); err != nil {
		return util.ChildNewtError(err)
	}

	return nil
}

func hexStr(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}
