// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package amazons3

import (
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
)

var (
	testBucket = flag.String("test_bucket", "dstl-test-scratch", "bucket name to use for testing")
	useAWS     = flag.Bool("use_aws", false, "enable to run aws tests; requires aws credentials")
)

// fakeS3 serves the subset of the S3 REST API used by the backend,
// with path-style addressing of a single bucket.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string
	IsTruncated bool
	KeyCount    int
	Contents    []listObject
}

type listObject struct {
	Key  string
	Size int64
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/")
	if p != f.bucket && !strings.HasPrefix(p, f.bucket+"/") {
		f.fail(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(p, f.bucket), "/")

	switch {
	case key == "" && r.Method == http.MethodGet:
		res := listResult{Name: f.bucket}
		for k, v := range f.objects {
			res.Contents = append(res.Contents, listObject{Key: k, Size: int64(len(v))})
		}
		sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			f.fail(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[key] = b
		w.Header().Set("ETag", fmt.Sprintf("%q", "etag"))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		b, ok := f.objects[key]
		if !ok {
			f.fail(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(b)))
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		f.fail(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) object(key string) ([]byte, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key], len(f.objects)
}

func (f *fakeS3) fail(w http.ResponseWriter, code int, s3Code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(code)
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message></Error>", s3Code, s3Code)
}

func dialFake(t *testing.T) (storage.Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "dstl", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	s, err := storage.Dial("S3",
		storage.WithKeyValue(bucketName, fake.bucket),
		storage.WithKeyValue(region, "us-east-1"),
		storage.WithKeyValue(endpoint, srv.URL),
		storage.WithKeyValue(accessKeyID, "id"),
		storage.WithKeyValue(secretAccessKey, "secret"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return s, fake
}

func TestFakeCycle(t *testing.T) {
	s, fake := dialFake(t)
	const ref = "changelog/0c8e9a0e"
	if _, err := s.Download(ref); !errors.Is(errors.NotExist, err) {
		t.Fatalf("Download of missing ref: got %v, want NotExist", err)
	}
	if err := s.Put(ref, []byte("segment data")); err != nil {
		t.Fatal(err)
	}
	if got, _ := fake.object(ref); string(got) != "segment data" {
		t.Errorf("stored %q, want %q", got, "segment data")
	}
	data, err := s.Download(ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "segment data" {
		t.Errorf("Download = %q, want %q", data, "segment data")
	}
	refs, next, err := s.(storage.Lister).List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Ref != ref || refs[0].Size != int64(len("segment data")) || next != "" {
		t.Errorf("List = %v, %q", refs, next)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatal(err)
	}
	// Deleting a missing object succeeds, as on S3.
	if err := s.Delete(ref); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, n := fake.object(ref); n != 0 {
		t.Errorf("%d objects left", n)
	}
}

func TestOptions(t *testing.T) {
	if _, err := storage.Dial("S3"); !errors.Is(errors.Invalid, err) {
		t.Errorf("missing bucket: got %v, want Invalid", err)
	}
	_, err := storage.Dial("S3",
		storage.WithKeyValue(bucketName, "b"),
		storage.WithKeyValue(accessKeyID, "id"))
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("id without secret: got %v, want Invalid", err)
	}
}

// TestRealBucket runs against S3 itself when -use_aws is set.
func TestRealBucket(t *testing.T) {
	if !*useAWS {
		t.Skip("requires S3 access: authorize uploads to -test_bucket and set -use_aws")
	}
	s, err := storage.Dial("S3", storage.WithKeyValue(bucketName, *testBucket))
	if err != nil {
		t.Fatal(err)
	}
	impl := s.(*s3Impl)
	if err := impl.createBucket(); err != nil {
		t.Logf("createBucket: %v", err)
	}
	defer func() {
		if err := impl.deleteBucket(); err != nil {
			t.Logf("deleteBucket: %v", err)
		}
	}()

	ref := fmt.Sprintf("changelog/test-file-%d", time.Now().UnixNano())
	want := fmt.Sprintf("segment written at %v", time.Now())
	if err := s.Put(ref, []byte(want)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Download(ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Download(ref); !errors.Is(errors.NotExist, err) {
		t.Errorf("Download after Delete: got %v, want NotExist", err)
	}
}
