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
	"context"
	"sort"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"gopkg.in/abiosoft/ishell.v2"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/tagble"
)

func shellSesn(c *ishell.Context) *tagble.TagSesn {
	s, err := GetSesn()
	if err != nil {
		c.Println("Error:", err)
		return nil
	}
	return s
}

func startShellCmd(c *ishell.Context) {
	s := shellSesn(c)
	if s == nil {
		return
	}

	if err := startSesn(s); err != nil {
		c.Println("Error:", err)
		return
	}
	c.Println("Looking for tag", s.Identity().String())
}

func stopShellCmd(c *ishell.Context) {
	s := shellSesn(c)
	if s == nil {
		return
	}

	if err := s.Stop(); err != nil {
		c.Println("Error:", err)
	}
}

func statusShellCmd(c *ishell.Context) {
	s := shellSesn(c)
	if s == nil {
		return
	}

	c.Println("identity:", s.Identity().String())
	c.Println("state:   ", s.State().String())
	c.Println("status:  ", s.Status().String())

	peers := s.Peripherals()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Id < peers[j].Id
	})
	for _, p := range peers {
		c.Printf("  peer %s name=%q rssi=%d\n", p.Id, p.Name, p.Rssi)
	}

	if up := s.Orchestrator(); up != nil {
		for _, p := range peers {
			if sess := up.Active(p.Id); sess != nil {
				c.Println("  update in progress:", sess.Id)
			}
		}
	}
}

// upgrade <pkg> [unsafe_buttonless]
func upgradeShellCmd(c *ishell.Context) {
	if len(c.Args) < 1 {
		c.Println(c.HelpText())
		return
	}

	s := shellSesn(c)
	if s == nil {
		return
	}

	opts := dfu.Opts{}
	if len(c.Args) > 1 {
		unsafe, err := cast.ToBoolE(c.Args[1])
		if err != nil {
			c.Println("Error: invalid unsafe_buttonless:", c.Args[1])
			return
		}
		opts.UnsafeButtonless = unsafe
	}

	sess, err := s.UpdateFirmware(context.Background(), c.Args[0], opts)
	if err != nil {
		c.Println("Error:", err)
		return
	}
	setUpdate(sess)
	c.Println("Update", sess.Id, "started")

	// Progress is printed by the observer.
	go func() {
		for range sess.Events() {
		}
		setUpdate(nil)
		if err := sess.Wait(); err != nil {
			c.Println("Update failed:", err)
		}
	}()
}

func abortShellCmd(c *ishell.Context) {
	updateMtx.Lock()
	sess := globalUpdate
	updateMtx.Unlock()

	if sess == nil {
		c.Println("No update in progress")
		return
	}
	sess.Abort()
}

func startInteractive(cmd *cobra.Command, args []string) {
	shell := ishell.New()
	shell.SetPrompt("> ")

	obs := newCliObserver()
	obs.printStates = watchStates
	obs.printUpdates = true
	if s, err := GetSesn(); err == nil {
		s.SetObserver(obs)
	} else {
		tmUsage(nil, err)
	}

	shell.Println()
	shell.Println(" " + tmutil.ToolInfo.LongName + " shell mode:")
	shell.Println("	Connection profile: ", tmutil.ConnProfile)
	shell.Println()

	shell.AddCmd(&ishell.Cmd{
		Name: "start",
		Help: "Start looking for the tag: start",
		Func: startShellCmd,
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "Stop scanning and drop the connection: stop",
		Func: stopShellCmd,
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "Print session state and discovered peers: status",
		Func: statusShellCmd,
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "upgrade",
		Help: "Install firmware on the connected tag: upgrade <pkg> [unsafe_buttonless]",
		Func: upgradeShellCmd,
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "abort",
		Help: "Abort the firmware update in progress: abort",
		Func: abortShellCmd,
	})

	shell.Run()
	shell.Close()
}

func interactiveCmd() *cobra.Command {
	shellCmd := &cobra.Command{
		Use:   "interactive",
		Short: "Run " + tmutil.ToolInfo.ShortName + " interactive mode",
		Run:   startInteractive,
	}

	shellCmd.Flags().BoolVar(&watchStates, "states", false,
		"Also print internal session state transitions")

	return shellCmd
}
