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
	"fmt"
	"sync"
	"time"

	"github.com/fatih/structs"
	"github.com/spf13/cobra"
	"gopkg.in/cheggaaa/pb.v1"

	"mynewt.apache.org/newt/util"

	"github.com/starlinx/tagmgr/tagmgr/tmutil"
	"github.com/starlinx/tagmgr/tagxact/dfu"
	"github.com/starlinx/tagmgr/tagxact/fwpkg"
)

var (
	imgUnsafeButtonless bool
	imgWaitSecs         float64
)

var updateMtx sync.Mutex
var globalUpdate *dfu.Session

func setUpdate(s *dfu.Session) {
	updateMtx.Lock()
	defer updateMtx.Unlock()

	globalUpdate = s
}

// Aborts the firmware update in progress, if any, and waits for it to wind
// down.
func AbortUpdate() {
	updateMtx.Lock()
	s := globalUpdate
	updateMtx.Unlock()

	if s != nil {
		s.Abort()
		s.Wait()
	}
}

type partSummary struct {
	Type      string `structs:"type"`
	Bin       string `structs:"bin"`
	Dat       string `structs:"dat"`
	Size      int    `structs:"size"`
	FwVersion string `structs:"fw_version"`
	HwVersion string `structs:"hw_version"`
	FwType    string `structs:"fw_type"`
	HashType  string `structs:"hash_type"`
	Hash      string `structs:"hash"`
	Signed    bool   `structs:"signed"`
}

func summarizePart(p *fwpkg.Part) partSummary {
	ps := partSummary{
		Type:      p.Type.String(),
		Bin:       p.BinName,
		Dat:       p.DatName,
		Size:      len(p.Bin),
		FwVersion: "n/a",
		HwVersion: "n/a",
		FwType:    "n/a",
		HashType:  "n/a",
		Hash:      "Unavailable",
	}

	if ip := p.Init; ip != nil {
		ps.FwVersion = fmt.Sprintf("%d", ip.FwVersion)
		ps.HwVersion = fmt.Sprintf("%d", ip.HwVersion)
		ps.FwType = ip.FwType.String()
		ps.HashType = ip.HashType.String()
		if len(ip.Hash) > 0 {
			ps.Hash = fmt.Sprintf("%x", ip.Hash)
		}
		ps.Signed = ip.Signed
	}

	return ps
}

func printPackage(pkg *fwpkg.Package) {
	fmt.Printf("Package: %s\n", pkg.Path)
	fmt.Printf("Size: %d bytes in %d part(s)\n", pkg.Size(), pkg.TotalParts())

	for i, p := range pkg.Parts {
		fmt.Printf(" part=%d\n", i+1)
		for _, f := range structs.New(summarizePart(p)).Fields() {
			fmt.Printf("    %s: %v\n", f.Tag("structs"), f.Value())
		}
	}
}

func imageInfoCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		tmUsage(cmd, util.NewNewtError("Need to specify firmware package"))
	}

	pkg, err := fwpkg.Open(args[0])
	if err != nil {
		tmUsage(nil, util.ChildNewtError(err))
	}

	printPackage(pkg)
}

// Renders per-part upload progress as one bar per part.
type progressBars struct {
	part int
	bar  *pb.ProgressBar
}

func (pbs *progressBars) update(p *dfu.Progress) {
	if p.Part != pbs.part {
		pbs.finish()

		pbs.part = p.Part
		pbs.bar = pb.New(100)
		pbs.bar.Prefix(fmt.Sprintf("part %d/%d ", p.Part, p.TotalParts))
		pbs.bar.Start()
	}

	pbs.bar.Set(p.Percent)
	pbs.bar.Postfix(fmt.Sprintf(" %.0f B/s", p.AvgBytesPerSec))
}

func (pbs *progressBars) finish() {
	if pbs.bar != nil {
		pbs.bar.Finish()
		pbs.bar = nil
	}
}

func imageUpgradeCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		tmUsage(cmd, util.NewNewtError("Need to specify firmware package"))
	}
	path := args[0]

	// Fail early on a bad package; no need to touch the radio.
	if _, err := fwpkg.Open(path); err != nil {
		tmUsage(nil, util.ChildNewtError(err))
	}

	tc, err := GetTagConfig()
	if err != nil {
		tmUsage(nil, err)
	}

	s, err := GetSesn()
	if err != nil {
		tmUsage(nil, err)
	}

	obs := newCliObserver()
	s.SetObserver(obs)

	if err := startSesn(s); err != nil {
		tmUsage(nil, err)
	}

	wait := time.Duration(imgWaitSecs * float64(time.Second))
	if err := obs.waitConnected(wait); err != nil {
		tmUsage(nil, err)
	}

	opts := dfu.Opts{
		UnsafeButtonless: imgUnsafeButtonless || tc.UnsafeButtonless,
	}

	sess, err := s.UpdateFirmware(context.Background(), path, opts)
	if err != nil {
		tmUsage(nil, util.ChildNewtError(err))
	}
	setUpdate(sess)

	bars := &progressBars{}
	startTime := time.Now()
	for ev := range sess.Events() {
		if ev.Progress != nil {
			bars.update(ev.Progress)
			continue
		}

		bars.finish()
		fmt.Printf("%s update: %s\n", stamp(), ev.State)
	}
	setUpdate(nil)

	if err := sess.Wait(); err != nil {
		tmUsage(nil, util.ChildNewtError(err))
	}

	fmt.Printf("Done; %s in %s\n", path,
		time.Since(startTime).Round(time.Millisecond))
}

func imageCmd() *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect and install tag firmware",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info <pkg>",
		Short: "Show the contents of a firmware package (.zip or .bin)",
		Run:   imageInfoCmd,
	}
	imageCmd.AddCommand(infoCmd)

	upgradeEx := "  " + tmutil.ToolInfo.ExeName +
		" -c tag1 image upgrade app_dfu_package.zip\n"
	upgradeEx += "  " + tmutil.ToolInfo.ExeName +
		" -c tag1 image upgrade --unsafe-buttonless app.bin"

	upgradeCmd := &cobra.Command{
		Use:     "upgrade <pkg>",
		Short:   "Connect to the tag and install a firmware package",
		Example: upgradeEx,
		Run:     imageUpgradeCmd,
	}
	upgradeCmd.Flags().BoolVar(&imgUnsafeButtonless, "unsafe-buttonless",
		false, "Enter the bootloader without bonding")
	upgradeCmd.Flags().Float64Var(&imgWaitSecs, "wait", 30.0,
		"Seconds to wait for the tag to connect")
	imageCmd.AddCommand(upgradeCmd)

	return imageCmd
}
