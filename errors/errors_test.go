// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"dstl.io/dstl"
)

func TestSeparator(t *testing.T) {
	defer func(prev string) {
		Separator = prev
	}(Separator)
	Separator = ":: "

	w := dstl.WriterID("w1")
	h := dstl.Handle("blob-7")
	err := Str("network unreachable")

	// Single error.
	e1 := E(Op("Put"), h, IO, err)

	// Nested error.
	e2 := E(Op("Persist"), w, Other, e1)

	want := "Persist: writer w1: I/O error:: Put: handle blob-7: network unreachable"
	if e2.Error() != want {
		t.Errorf("expected %q; got %q", want, e2)
	}
}

func TestWriterAndHandle(t *testing.T) {
	err := E(Op("Release"), dstl.WriterID("w"), dstl.Handle("h"), NotExist)
	want := "Release: writer w, handle h: item does not exist"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err, want)
	}
}

func TestDoesNotChangePreviousError(t *testing.T) {
	err := E(Ordering)
	err2 := E(Op("I will NOT modify err"), err)

	expected := "I will NOT modify err: sequence ordering violation"
	if err2.Error() != expected {
		t.Fatalf("Expected %q, got %q", expected, err2)
	}
	kind := err.(*Error).Kind
	if kind != Ordering {
		t.Fatalf("Expected kind %v, got %v", Ordering, kind)
	}
}

func TestNoArgs(t *testing.T) {
	defer func() {
		err := recover()
		if err == nil {
			t.Fatal("E() did not panic")
		}
	}()
	_ = E()
}

func TestIs(t *testing.T) {
	inner := E(Op("Put"), IO, io.ErrUnexpectedEOF)
	outer := E(Op("Persist"), dstl.WriterID("w"), inner)
	if !Is(IO, outer) {
		t.Errorf("Is(IO, %v) = false", outer)
	}
	if Is(Closed, outer) {
		t.Errorf("Is(Closed, %v) = true", outer)
	}
	if Is(IO, nil) || Is(IO, io.EOF) {
		t.Error("Is matched a non-*Error")
	}
	if !stderrors.Is(outer, io.ErrUnexpectedEOF) {
		t.Error("standard errors.Is did not unwrap to the cause")
	}
}

type matchTest struct {
	err1, err2 error
	matched    bool
}

const (
	w1 = dstl.WriterID("w1")
	w2 = dstl.WriterID("w2")
	h1 = dstl.Handle("h1")
)

var matchTests = []matchTest{
	// Errors not of type *Error fail outright.
	{nil, nil, false},
	{io.EOF, io.EOF, false},
	{E(io.EOF), io.EOF, false},
	{io.EOF, E(io.EOF), false},
	// Success. We can drop fields from the first argument and still match.
	{E(io.EOF), E(io.EOF), true},
	{E(Op("Op"), Ordering, io.EOF, w1, h1), E(Op("Op"), Ordering, io.EOF, w1, h1), true},
	{E(Op("Op"), Ordering, io.EOF, w1), E(Op("Op"), Ordering, io.EOF, w1, h1), true},
	{E(Op("Op"), Ordering), E(Op("Op"), Ordering, io.EOF, w1, h1), true},
	{E(Op("Op")), E(Op("Op"), Ordering, io.EOF, w1, h1), true},
	// Failure.
	{E(io.EOF), E(io.ErrClosedPipe), false},
	{E(Op("Op1")), E(Op("Op2")), false},
	{E(Ordering), E(Closed), false},
	{E(w1), E(w2), false},
	{E(h1, Str("something")), E(h1), false}, // Test nil error on rhs.
}

func TestMatch(t *testing.T) {
	for _, test := range matchTests {
		matched := Match(test.err1, test.err2)
		if matched != test.matched {
			t.Errorf("Match(%q, %q)=%t; want %t", test.err1, test.err2, matched, test.matched)
		}
	}
}
