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

package tagxutil

import (
	"time"

	log "github.com/sirupsen/logrus"
)

var logLevel = log.InfoLevel

func SetLogLevel(level log.Level) {
	logLevel = level
	log.SetLevel(level)
}

func LogLevel() log.Level {
	return logLevel
}

// Stops a timer and discards a pending expiration, if any.  Safe to call on
// a timer that has already fired and been read.
func StopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func Fseconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
