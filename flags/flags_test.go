// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flags

import (
	"testing"

	"dstl.io/log"
)

func TestChangeSize(t *testing.T) {
	defer func() { ChangeSize = 1024 }()
	for _, test := range []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1234", 1234, false},
		{"64KiB", 64 << 10, false},
		{"1 MB", 1000000, false},
		{"0", 0, true},
		{"2GiB", 0, true},
		{"big", 0, true},
	} {
		err := ChangeSize.Set(test.in)
		if test.wantErr {
			if err == nil {
				t.Errorf("Set(%q): expected error; got none", test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Set(%q): %v", test.in, err)
			continue
		}
		if got := int64(ChangeSize); got != test.want {
			t.Errorf("Set(%q) = %d; want %d", test.in, got, test.want)
		}
	}
}

func TestLogFlag(t *testing.T) {
	defer log.SetLevel("info")
	var f logFlag
	if err := f.Set("debug"); err != nil {
		t.Fatal(err)
	}
	if f.String() != "debug" || log.GetLevel() != "debug" {
		t.Errorf("flag %q, level %q; want debug", f, log.GetLevel())
	}
	if err := f.Set("shouting"); err == nil {
		t.Error("expected error for unknown level")
	}
	if f.String() != "debug" {
		t.Errorf("flag changed to %q after bad Set", f)
	}
}

func TestRegisterUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register of unknown flag did not panic")
		}
	}()
	Register("no_such_flag")
}
