// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ttl removes sessions that have been idle longer than the
// configured retention window. A background sweeper runs on a fixed
// interval and prunes expired sessions, together with their chat
// history, from the relational store.
package ttl

import "time"

// Clock abstracts time.Now so the sweeper can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = SystemClock{}
