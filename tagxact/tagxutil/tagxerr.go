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
	"fmt"

	"github.com/pkg/errors"

	"github.com/starlinx/tagmgr/tagxact/bledefs"
)

// Indicates that the host is not allowed to use the radio.  Terminal for a
// session start; never retried.
type PermissionError struct {
	Text  string
	State bledefs.PermissionState
}

func NewPermissionError(state bledefs.PermissionState) *PermissionError {
	var text string
	switch state {
	case bledefs.PERMISSION_NOT_DETERMINED:
		text = "Bluetooth is not determined"
	case bledefs.PERMISSION_RESTRICTED:
		text = "Bluetooth state is restricted"
	case bledefs.PERMISSION_DENIED:
		text = "Bluetooth is denied"
	default:
		text = fmt.Sprintf("Bluetooth permission unusable: %s", state)
	}

	return &PermissionError{
		Text:  text,
		State: state,
	}
}

func (e *PermissionError) Error() string {
	return e.Text
}

func IsPermission(err error) bool {
	_, ok := errors.Cause(err).(*PermissionError)
	return ok
}

func ToPermission(err error) *PermissionError {
	if perr, ok := errors.Cause(err).(*PermissionError); ok {
		return perr
	} else {
		return nil
	}
}

// A failed connection attempt.  Retried up to the session's reconnect budget.
type ConnectError struct {
	Text   string
	PeerId string
	Cause  error
}

func NewConnectError(peerId string, cause error) *ConnectError {
	text := fmt.Sprintf("BLE connection attempt failed; peer=%s", peerId)
	if cause != nil {
		text += ": " + cause.Error()
	}

	return &ConnectError{
		Text:   text,
		PeerId: peerId,
		Cause:  cause,
	}
}

func (e *ConnectError) Error() string {
	return e.Text
}

func IsConnect(err error) bool {
	_, ok := errors.Cause(err).(*ConnectError)
	return ok
}

// A link loss reported by the transport.  The reason drives the session's
// recovery branch.
type DisconnectError struct {
	Text   string
	Reason bledefs.DisconnectReason
}

func NewDisconnectError(reason bledefs.DisconnectReason,
	text string) *DisconnectError {

	return &DisconnectError{
		Text:   text,
		Reason: reason,
	}
}

func FmtDisconnectError(reason bledefs.DisconnectReason, format string,
	args ...interface{}) *DisconnectError {

	return NewDisconnectError(reason, fmt.Sprintf(format, args...))
}

func (e *DisconnectError) Error() string {
	return e.Text
}

func IsDisconnect(err error) bool {
	_, ok := errors.Cause(err).(*DisconnectError)
	return ok
}

func ToDisconnect(err error) *DisconnectError {
	if derr, ok := errors.Cause(err).(*DisconnectError); ok {
		return derr
	} else {
		return nil
	}
}

// Failure while discovering or handshaking the target characteristic.
type NegotiateError struct {
	Text string
}

func NewNegotiateError(text string) *NegotiateError {
	return &NegotiateError{text}
}

func FmtNegotiateError(format string, args ...interface{}) *NegotiateError {
	return NewNegotiateError(fmt.Sprintf(format, args...))
}

func (e *NegotiateError) Error() string {
	return e.Text
}

func IsNegotiate(err error) bool {
	_, ok := errors.Cause(err).(*NegotiateError)
	return ok
}

// A firmware image that could not be opened or parsed.  Always raised before
// any transport interaction.
type ImageError struct {
	Text string
	Path string
}

func NewImageError(path string, text string) *ImageError {
	return &ImageError{
		Text: text,
		Path: path,
	}
}

func FmtImageError(path string, format string,
	args ...interface{}) *ImageError {

	return NewImageError(path, fmt.Sprintf(format, args...))
}

func (e *ImageError) Error() string {
	if e.Path == "" {
		return e.Text
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Text)
}

func IsImage(err error) bool {
	_, ok := errors.Cause(err).(*ImageError)
	return ok
}

// Terminal failure of a firmware update session.  Carries the transfer's
// underlying message.
type UpdateSessionError struct {
	Text  string
	Cause error
}

func NewUpdateSessionError(cause error) *UpdateSessionError {
	text := "firmware update failed"
	if cause != nil {
		text += ": " + cause.Error()
	}

	return &UpdateSessionError{
		Text:  text,
		Cause: cause,
	}
}

func (e *UpdateSessionError) Error() string {
	return e.Text
}

func IsUpdateSession(err error) bool {
	_, ok := errors.Cause(err).(*UpdateSessionError)
	return ok
}

func ToUpdateSession(err error) *UpdateSessionError {
	if uerr, ok := errors.Cause(err).(*UpdateSessionError); ok {
		return uerr
	} else {
		return nil
	}
}

// Indicates an attempt to start a second firmware session against a
// peripheral that already has one.
type SessionBusyError struct {
	Text   string
	PeerId string
}

func NewSessionBusyError(peerId string) *SessionBusyError {
	return &SessionBusyError{
		Text: fmt.Sprintf("firmware update already in progress; peer=%s",
			peerId),
		PeerId: peerId,
	}
}

func (e *SessionBusyError) Error() string {
	return e.Text
}

func IsSessionBusy(err error) bool {
	_, ok := errors.Cause(err).(*SessionBusyError)
	return ok
}

type SesnAlreadyOpenError struct {
	Text string
}

func NewSesnAlreadyOpenError(text string) *SesnAlreadyOpenError {
	return &SesnAlreadyOpenError{
		Text: text,
	}
}

func (e *SesnAlreadyOpenError) Error() string {
	return e.Text
}

func IsSesnAlreadyOpen(err error) bool {
	_, ok := errors.Cause(err).(*SesnAlreadyOpenError)
	return ok
}

type SesnClosedError struct {
	Text string
}

func NewSesnClosedError(text string) *SesnClosedError {
	return &SesnClosedError{
		Text: text,
	}
}

func (e *SesnClosedError) Error() string {
	return e.Text
}

func IsSesnClosed(err error) bool {
	_, ok := errors.Cause(err).(*SesnClosedError)
	return ok
}

// Represents a low-level transport error.
type XportError struct {
	Text string
}

func NewXportError(text string) *XportError {
	return &XportError{text}
}

func FmtXportError(format string, args ...interface{}) *XportError {
	return NewXportError(fmt.Sprintf(format, args...))
}

func (e *XportError) Error() string {
	return e.Text
}

func IsXport(err error) bool {
	if err == nil {
		return false
	}

	_, ok := errors.Cause(err).(*XportError)
	return ok
}
