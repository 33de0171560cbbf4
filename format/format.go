// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package format defines the layout of changelog blobs.
//
// A blob is a fixed header followed by one segment per change set:
//
//	header:  "DSTL" | version (1 byte) | flags (1 byte)
//	segment: uvarint(len(body)) | body
//	body:    string(set id) | string(writer) | varint(from) |
//	         varint(partition start) | varint(partition end) |
//	         uvarint(number of changes) | changes
//	change:  varint(partition) | string(data)
//
// where string(x) is uvarint(len(x)) | x. If the blob's flags include
// Compressed, each body is compressed on its own with zstd so that a
// segment can be decoded given only its offset.
package format // import "dstl.io/format"

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"dstl.io/dstl"
	"dstl.io/errors"
)

// Version is the blob format version written by this package.
const Version = 1

// Flags describe how the segments of a blob are encoded.
type Flags byte

// Flag values.
const (
	Compressed Flags = 1 << iota
)

const magic = "DSTL"

// HeaderLen is the length in bytes of the blob header.
const HeaderLen = len(magic) + 2

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// Encoder accumulates the segments of one blob in memory.
type Encoder struct {
	buf     bytes.Buffer
	flags   Flags
	scratch []byte
}

// NewEncoder returns an encoder whose buffer already holds the header.
func NewEncoder(flags Flags) *Encoder {
	e := &Encoder{flags: flags}
	e.buf.WriteString(magic)
	e.buf.WriteByte(Version)
	e.buf.WriteByte(byte(flags))
	return e
}

// Append encodes cs as a new segment and returns the segment's offset.
// On error the encoder is unchanged.
func (e *Encoder) Append(cs *dstl.ChangeSet) (int64, error) {
	const op errors.Op = "format.Append"
	if got, want := int64(len(cs.Changes)), int64(cs.To-cs.From); got != want {
		return 0, errors.E(op, cs.Writer, errors.Invalid, errors.Errorf("set %s covers %v but holds %d changes", cs.ID, cs.Range(), got))
	}
	body := e.scratch[:0]
	body = appendString(body, cs.ID)
	body = appendString(body, string(cs.Writer))
	body = binary.AppendVarint(body, int64(cs.From))
	body = binary.AppendVarint(body, int64(cs.Partitions.Start))
	body = binary.AppendVarint(body, int64(cs.Partitions.End))
	body = binary.AppendUvarint(body, uint64(len(cs.Changes)))
	for _, c := range cs.Changes {
		body = binary.AppendVarint(body, int64(c.Partition))
		body = appendString(body, string(c.Data))
	}
	e.scratch = body
	if e.flags&Compressed != 0 {
		body = zenc.EncodeAll(body, nil)
	}

	offset := int64(e.buf.Len())
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(body)))
	e.buf.Write(tmp[:n])
	e.buf.Write(body)
	return offset, nil
}

// Len returns the current size of the blob in bytes.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Truncate discards everything after the first n bytes. It is used to
// drop a segment that made the blob too large.
func (e *Encoder) Truncate(n int) {
	e.buf.Truncate(n)
}

// Bytes returns the encoded blob. It aliases the encoder's buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// ReadHeader validates the header of blob and returns its flags.
func ReadHeader(blob []byte) (Flags, error) {
	const op errors.Op = "format.ReadHeader"
	if len(blob) < HeaderLen || string(blob[:len(magic)]) != magic {
		return 0, errors.E(op, errors.Invalid, "not a changelog blob")
	}
	if v := blob[len(magic)]; v != Version {
		return 0, errors.E(op, errors.Invalid, errors.Errorf("unsupported blob version %d", v))
	}
	return Flags(blob[len(magic)+1]), nil
}

// ReadSegment decodes the change set stored at offset in blob.
// The returned set's data aliases blob unless the blob is compressed.
func ReadSegment(blob []byte, offset int64) (*dstl.ChangeSet, error) {
	const op errors.Op = "format.ReadSegment"
	flags, err := ReadHeader(blob)
	if err != nil {
		return nil, errors.E(op, err)
	}
	cs, _, err := readSegment(blob, offset, flags)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return cs, nil
}

// A Segment is one decoded change set and its location in a blob.
type Segment struct {
	Offset int64
	Set    *dstl.ChangeSet
}

// ReadAll decodes every segment of blob in order.
func ReadAll(blob []byte) ([]Segment, error) {
	const op errors.Op = "format.ReadAll"
	flags, err := ReadHeader(blob)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var segs []Segment
	for off := int64(HeaderLen); off < int64(len(blob)); {
		cs, next, err := readSegment(blob, off, flags)
		if err != nil {
			return nil, errors.E(op, err)
		}
		segs = append(segs, Segment{Offset: off, Set: cs})
		off = next
	}
	return segs, nil
}

func readSegment(blob []byte, offset int64, flags Flags) (*dstl.ChangeSet, int64, error) {
	if offset < int64(HeaderLen) || offset >= int64(len(blob)) {
		return nil, 0, errors.E(errors.Invalid, errors.Errorf("offset %d outside blob of %d bytes", offset, len(blob)))
	}
	b := blob[offset:]
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, 0, errors.E(errors.Invalid, errors.Errorf("corrupt segment length at offset %d", offset))
	}
	body := b[n : n+int(l)]
	next := offset + int64(n) + int64(l)
	if flags&Compressed != 0 {
		var err error
		body, err = zdec.DecodeAll(body, nil)
		if err != nil {
			return nil, 0, errors.E(errors.Invalid, err)
		}
	}
	cs, err := decodeBody(body)
	if err != nil {
		return nil, 0, errors.E(errors.Invalid, errors.Errorf("segment at offset %d: %v", offset, err))
	}
	return cs, next, nil
}

func decodeBody(b []byte) (*dstl.ChangeSet, error) {
	d := decoder{b: b}
	cs := &dstl.ChangeSet{}
	cs.ID = string(d.bytes())
	cs.Writer = dstl.WriterID(d.bytes())
	cs.From = dstl.SequenceNumber(d.varint())
	cs.Partitions.Start = dstl.PartitionID(d.varint())
	cs.Partitions.End = dstl.PartitionID(d.varint())
	count := d.uvarint()
	if d.err == nil && count > uint64(len(d.b)) {
		// Every change takes at least two bytes.
		d.err = errors.Str("change count exceeds segment")
	}
	if d.err != nil {
		return nil, d.err
	}
	cs.Changes = make([]dstl.Change, 0, count)
	for i := uint64(0); i < count; i++ {
		p := dstl.PartitionID(d.varint())
		data := d.bytes()
		if d.err != nil {
			return nil, d.err
		}
		cs.Changes = append(cs.Changes, dstl.Change{Partition: p, Data: data})
	}
	cs.To = cs.From + dstl.SequenceNumber(len(cs.Changes))
	return cs, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// decoder reads the fields of a segment body, recording the first error.
type decoder struct {
	b   []byte
	err error
}

var errShort = errors.Str("segment too short")

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	u, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.err = errShort
		return 0
	}
	d.b = d.b[n:]
	return u
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.b)
	if n <= 0 {
		d.err = errShort
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) bytes() []byte {
	l := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.b)) < l {
		d.err = errShort
		return nil
	}
	v := d.b[:l:l]
	d.b = d.b[l:]
	return v
}
