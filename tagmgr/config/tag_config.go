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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/bgtask"
	"github.com/starlinx/tagmgr/tagxact/tagble"
)

type TagConfig struct {
	SvcPrefix string
	ChrPrefix string
	DeviceId  string

	CtlrName string
	HciIdx   int

	// Treat the process as backgrounded; enables timed reconnects.
	Background    bool
	MaxAttempts   int
	ReconnectItvl time.Duration
	ConnTimeout   time.Duration

	UnsafeButtonless bool
}

func NewTagConfig() *TagConfig {
	dflt := tagble.NewSesnCfg()

	connTimeout := tmutil.TimeoutDuration()
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	return &TagConfig{
		HciIdx:        tmutil.HciIdx,
		MaxAttempts:   dflt.MaxAttempts,
		ReconnectItvl: dflt.ReconnectInterval,
		ConnTimeout:   connTimeout,
	}
}

func einvalTagConnString(f string, args ...interface{}) error {
	suffix := fmt.Sprintf(f, args...)
	return util.FmtNewtError("Invalid tag connstring; %s", suffix)
}

// Parses a duration given either in seconds ("2.5") or with a unit ("15s").
func parseSeconds(v string) (time.Duration, error) {
	if secs, err := cast.ToFloat64E(v); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return cast.ToDurationE(v)
}

func ParseTagConnString(cs string) (*TagConfig, error) {
	tc := NewTagConfig()

	if strings.TrimSpace(cs) == "" {
		return tc, nil
	}

	parts := strings.Split(cs, ",")
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, einvalTagConnString("expected comma-separated "+
				"key=value pairs; no '=' in: %s", p)
		}

		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])

		var err error
		switch k {
		case "svc_prefix":
			tc.SvcPrefix = v
		case "chr_prefix":
			tc.ChrPrefix = v
		case "device_id":
			tc.DeviceId = v
		case "ctlr_name":
			tc.CtlrName = v
		case "hci_idx":
			tc.HciIdx, err = cast.ToIntE(v)
		case "background":
			tc.Background, err = cast.ToBoolE(v)
		case "max_attempts":
			tc.MaxAttempts, err = cast.ToIntE(v)
			if err == nil && tc.MaxAttempts < 0 {
				err = fmt.Errorf("negative")
			}
		case "reconnect_itvl":
			tc.ReconnectItvl, err = parseSeconds(v)
		case "conn_timeout":
			tc.ConnTimeout, err = parseSeconds(v)
		case "unsafe_buttonless":
			tc.UnsafeButtonless, err = cast.ToBoolE(v)
		default:
			return nil, einvalTagConnString("Unrecognized key: %s", k)
		}

		if err != nil {
			return nil, einvalTagConnString("Invalid %s: %s", k, v)
		}
	}

	return tc, nil
}

// Applies command-line overrides.
func (tc *TagConfig) ApplyFlags() {
	if tmutil.DeviceId != "" {
		tc.DeviceId = tmutil.DeviceId
	}
	if tmutil.Background {
		tc.Background = true
	}
}

func (tc *TagConfig) Validate() error {
	if tc.SvcPrefix == "" || tc.ChrPrefix == "" {
		return util.NewNewtError(
			"tag connstring requires svc_prefix and chr_prefix")
	}
	if tc.DeviceId == "" {
		return util.NewNewtError(
			"no device id; set device_id in the connstring or pass --device-id")
	}
	return nil
}

func BuildTagSesnCfg(tc *TagConfig) tagble.SesnCfg {
	sc := tagble.NewSesnCfg()

	sc.MaxAttempts = tc.MaxAttempts
	sc.ReconnectInterval = tc.ReconnectItvl
	sc.Host = bgtask.NewLogindHost(tc.Background, tmutil.ToolInfo.ExeName)

	return sc
}
