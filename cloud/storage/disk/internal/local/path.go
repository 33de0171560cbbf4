// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package local converts blob references into local path names for on-disk storage.
package local // import "dstl.io/cloud/storage/disk/internal/local"

import (
	"encoding/base64"
	"path/filepath"
	"strings"

	"dstl.io/errors"
)

// A reference such as "changelog/3f2a9c..." keeps its slash-separated
// prefix as directories and fans blobs out by the first two bytes of
// their name:
//	changelog/@3f/3f2a9c...
// Fan-out directories begin with '@', which no escaped element contains,
// so a blob can never be confused with a directory. An element that is
// empty, begins with a dot, or holds characters outside [A-Za-z0-9_.-]
// is written as '~' followed by its base64 encoding.

// Use RawURLEncoding to ensure path-safe characters.
var enc = base64.RawURLEncoding

const (
	fanPrefix    = "@"
	escapePrefix = "~"
)

// Path returns the file path to hold the contents of the blob with the
// specified reference. The returned path is rooted in the provided base
// directory.
func Path(base, ref string) string {
	elems := strings.Split(ref, "/")
	name := escape(elems[len(elems)-1])
	parts := make([]string, 0, len(elems)+2)
	parts = append(parts, base)
	for _, e := range elems[:len(elems)-1] {
		parts = append(parts, escape(e))
	}
	fan := name
	if len(fan) > 2 {
		fan = fan[:2]
	}
	parts = append(parts, fanPrefix+fan, name)
	return filepath.Join(parts...)
}

// Ref returns the reference for the given path name. The path name must have
// the storage base path stripped from it, and should not begin with a path
// separator.
func Ref(path string) (string, error) {
	elems := strings.Split(filepath.ToSlash(path), "/")
	if len(elems) < 2 || !strings.HasPrefix(elems[len(elems)-2], fanPrefix) {
		return "", errors.Errorf("path %q is not a blob", path)
	}
	dirs := elems[:len(elems)-2]
	ref := make([]string, 0, len(dirs)+1)
	for _, e := range append(dirs, elems[len(elems)-1]) {
		u, err := unescape(e)
		if err != nil {
			return "", errors.Errorf("path %q: %v", path, err)
		}
		ref = append(ref, u)
	}
	return strings.Join(ref, "/"), nil
}

func escape(elem string) string {
	if safe(elem) {
		return elem
	}
	return escapePrefix + enc.EncodeToString([]byte(elem))
}

func unescape(elem string) (string, error) {
	if !strings.HasPrefix(elem, escapePrefix) {
		if !safe(elem) {
			return "", errors.Errorf("bad element %q", elem)
		}
		return elem, nil
	}
	b, err := enc.DecodeString(elem[len(escapePrefix):])
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func safe(elem string) bool {
	if elem == "" || elem[0] == '.' {
		return false
	}
	for i := 0; i < len(elem); i++ {
		c := elem[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
