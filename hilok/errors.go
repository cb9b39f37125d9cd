// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import "github.com/pkg/errors"

var (
	// ErrBusy is returned when an acquisition or rename could not
	// complete within its deadline.
	ErrBusy = errors.New("busy")

	// ErrNotFound is returned when a rename source does not resolve
	// to an existing node.
	ErrNotFound = errors.New("not found")
)
