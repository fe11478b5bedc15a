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
	"time"

	"github.com/spf13/cobra"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/bledefs"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/tagble"
)

var watchStates bool

// Prints session notifications.  All methods run on the session's notify
// goroutine.
type cliObserver struct {
	printStates  bool
	printUpdates bool

	// Receives status changes; a change is dropped if the buffer is full.
	statusCh chan bledefs.ConnStatus
}

func newCliObserver() *cliObserver {
	return &cliObserver{
		statusCh: make(chan bledefs.ConnStatus, 16),
	}
}

func stamp() string {
	return time.Now().Format("15:04:05.000")
}

func (o *cliObserver) OnStatusChanged(status bledefs.ConnStatus) {
	fmt.Printf("%s status: %s\n", stamp(), status)

	select {
	case o.statusCh <- status:
	default:
	}
}

func (o *cliObserver) OnDisconnected() {
	fmt.Printf("%s tag disconnected\n", stamp())
}

func (o *cliObserver) OnValueRead(data []byte) {
	fmt.Printf("%s value: %s\n", stamp(), hexStr(data))
}

func (o *cliObserver) OnUpdateProgress(part int, totalParts int, percent int) {
	if o.printUpdates {
		fmt.Printf("%s update: part %d/%d %d%%\n",
			stamp(), part, totalParts, percent)
	}
}

func (o *cliObserver) OnUpdateStateChanged(state dfu.State) {
	if o.printUpdates {
		fmt.Printf("%s update: %s\n", stamp(), state)
	}
}

func (o *cliObserver) OnStateChanged(from tagble.TagSesnState,
	to tagble.TagSesnState) {

	if o.printStates {
		fmt.Printf("%s state: %s --> %s\n", stamp(), from, to)
	}
}

// Blocks until the tag reports Connected or the timeout expires.
func (o *cliObserver) waitConnected(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case st := <-o.statusCh:
			if st == bledefs.CONN_STATUS_CONNECTED {
				return nil
			}

		case <-timer.C:
			return util.FmtNewtError("tag did not connect within %s",
				timeout.String())
		}
	}
}

func watchRunCmd(cmd *cobra.Command, args []string) {
	s, err := GetSesn()
	if err != nil {
		tmUsage(nil, err)
	}

	obs := newCliObserver()
	obs.printStates = watchStates
	s.SetObserver(obs)

	if err := startSesn(s); err != nil {
		tmUsage(nil, err)
	}
	fmt.Printf("Looking for tag %s; press Ctrl-C to stop\n", s.Identity())

	// Runs until the process is interrupted; exit cleanup stops the
	// session.
	select {}
}

func watchCmd() *cobra.Command {
	wCmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a tag and print its events",
		Example: "  " + tmutil.ToolInfo.ExeName +
			" -c tag1 --device-id 0123456789AB watch",
		Run: watchRunCmd,
	}

	wCmd.Flags().BoolVar(&watchStates, "states", false,
		"Also print internal session state transitions")

	return wCmd
}
