// Copyright 2022 the HiLok Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hilok

import "strings"

// splitPath splits a path on the separator, dropping empty segments.
// The empty string and bare separators both denote the root, which
// comes out as an empty slice. Separators inside segments are not
// special: "c:/long/path" with separator '/' yields c:, long, path.
func splitPath(path string, sep rune) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == sep
	})
}
