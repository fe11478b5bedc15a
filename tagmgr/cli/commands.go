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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/tagxutil"
)

var TagmgrLogLevel log.Level

func Commands() *cobra.Command {
	logLevelStr := ""
	tmCmd := &cobra.Command{
		Use:   tmutil.ToolInfo.ExeName,
		Short: tmutil.ToolInfo.ShortName + " connects to and updates tags",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var err error
			TagmgrLogLevel, err = log.ParseLevel(logLevelStr)
			if err != nil {
				tmUsage(nil, util.ChildNewtError(err))
			}

			err = util.Init(TagmgrLogLevel, "", util.VERBOSITY_DEFAULT)
			if err != nil {
				tmUsage(nil, err)
			}
			tagxutil.SetLogLevel(TagmgrLogLevel)

			OSSpecificInit()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	tmCmd.PersistentFlags().StringVarP(&tmutil.ConnProfile, "conn", "c", "",
		"connection profile to use")

	tmCmd.PersistentFlags().Float64VarP(&tmutil.Timeout, "timeout", "t", 10.0,
		"connect timeout in seconds (partial seconds allowed)")

	tmCmd.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l", "info",
		"log level to use")

	tmCmd.PersistentFlags().StringVar(&tmutil.DeviceId, "device-id", "",
		"device identifier of the tag; overrides profile setting")

	tmCmd.PersistentFlags().BoolVar(&tmutil.Background, "background", false,
		"run as a background process; enables timed reconnects")

	tmCmd.PersistentFlags().StringVar(&tmutil.ConnType, "conntype", "",
		"Connection type to use instead of using the profile's type")

	tmCmd.PersistentFlags().StringVar(&tmutil.ConnString, "connstring", "",
		"Connection key-value pairs to use instead of using the profile's "+
			"connstring")

	tmCmd.PersistentFlags().StringVar(&tmutil.ConnExtra, "connextra", "",
		"Additional key-value pair to append to the connstring")

	tmCmd.PersistentFlags().IntVarP(&tmutil.HciIdx, "hci", "i",
		0, "HCI index for the controller on Linux machine")

	versCmd := &cobra.Command{
		Use:     "version",
		Short:   "Display the " + tmutil.ToolInfo.ShortName + " version number",
		Example: "  " + tmutil.ToolInfo.ExeName + " version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n",
				tmutil.ToolInfo.LongName,
				tmutil.ToolInfo.VersionString)
		},
	}
	tmCmd.AddCommand(versCmd)

	tmCmd.AddCommand(connProfileCmd())
	tmCmd.AddCommand(watchCmd())
	tmCmd.AddCommand(imageCmd())
	tmCmd.AddCommand(interactiveCmd())

	return tmCmd
}
