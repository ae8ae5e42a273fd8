// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrVersionConflict = errors.New("session version conflict")
var ErrSessionNotFound = errors.New("session not found")
var ErrUnknownStep = errors.New("no executor registered for step")
