// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a repository containing a hierarchical reader/writer lock
// tree for Go.
//
// Go to https://godoc.org/github.com/atakama/go-hilok/hilok for the
// in-depth documentation for this library.
package lib
