// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcs implements a storage backend that saves changelog blobs to
// Google Cloud Storage.
package gcs // import "dstl.io/cloud/storage/gcs"

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcsBE "google.golang.org/api/storage/v1"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
	"dstl.io/log"
)

const (
	scope = gcsBE.DevstorageReadWriteScope
)

// Keys used for storing dial options.
const (
	bucketName = "gcpBucketName"
)

// maxPutTries bounds the attempts made by Put on retryable errors.
const maxPutTries = 5

// gcsImpl is an implementation of Storage that connects to a Google Cloud Storage (GCS) backend.
type gcsImpl struct {
	client     *http.Client
	service    *gcsBE.Service
	bucketName string

	// insert writes one object. It is the service call except in tests.
	insert func(ref string, contents []byte) error
}

// New initializes a Storage implementation that stores data to Google Cloud Storage.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "cloud/storage/gcs.New"

	bucket, ok := opts.Opts[bucketName]
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%q option is required", bucketName))
	}

	// Authentication is provided by the gcloud tool when running locally, and
	// by the associated service account when running on Compute Engine.
	ctx := context.Background()
	client, err := google.DefaultClient(ctx, scope)
	if err != nil {
		return nil, errors.E(op, errors.IO, errors.Errorf("unable to get default client: %s", err))
	}
	service, err := gcsBE.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.E(op, errors.IO, errors.Errorf("unable to create storage service: %s", err))
	}

	g := &gcsImpl{
		client:     client,
		service:    service,
		bucketName: bucket,
	}
	g.insert = g.serviceInsert
	return g, nil
}

func init() {
	storage.Register("GCS", New)
}

var (
	_ storage.Storage = (*gcsImpl)(nil)
	_ storage.Lister  = (*gcsImpl)(nil)
)

func isNotFound(err error) bool {
	gcsErr, ok := err.(*googleapi.Error)
	return ok && gcsErr.Code == http.StatusNotFound
}

// retryable reports whether a failed insert may succeed if repeated.
func retryable(err error) bool {
	if gcsErr, ok := err.(*googleapi.Error); ok {
		switch gcsErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "503")
}

// backoff is the pause before retry number tries. A variable for tests.
var backoff = func(tries int) time.Duration {
	return time.Duration(100*(tries+1)) * time.Millisecond
}

// Download implements Storage.
func (gcs *gcsImpl) Download(ref string) ([]byte, error) {
	const op errors.Op = "cloud/storage/gcs.Download"
	resp, err := gcs.service.Objects.Get(gcs.bucketName, ref).Download()
	if err != nil {
		if isNotFound(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return buf, nil
}

// Put implements Storage. Throttling and server errors are retried a
// few times before giving up; the changelog scheduler does not retry.
func (gcs *gcsImpl) Put(ref string, contents []byte) error {
	const op errors.Op = "cloud/storage/gcs.Put"
	for tries := 0; ; tries++ {
		err := gcs.insert(ref, contents)
		if err == nil {
			return nil
		}
		if !retryable(err) || tries >= maxPutTries-1 {
			return errors.E(op, errors.IO, err)
		}
		log.Info.Printf("%s: retrying Insert(%s) after %v: %s", op, ref, backoff(tries), err)
		time.Sleep(backoff(tries))
	}
}

func (gcs *gcsImpl) serviceInsert(ref string, contents []byte) error {
	object := &gcsBE.Object{Name: ref, ContentType: "application/octet-stream"}
	_, err := gcs.service.Objects.Insert(gcs.bucketName, object).Media(bytes.NewReader(contents)).PredefinedAcl("private").Do()
	return err
}

// Delete implements Storage.
func (gcs *gcsImpl) Delete(ref string) error {
	const op errors.Op = "cloud/storage/gcs.Delete"
	err := gcs.service.Objects.Delete(gcs.bucketName, ref).Do()
	if err != nil {
		if isNotFound(err) {
			return errors.E(op, errors.NotExist, err)
		}
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// List implements storage.Lister.
func (gcs *gcsImpl) List(token string) ([]storage.ListItem, string, error) {
	const op errors.Op = "cloud/storage/gcs.List"
	objs, err := gcs.service.Objects.List(gcs.bucketName).Fields("items(name,size),nextPageToken").PageToken(token).Do()
	if err != nil {
		return nil, "", errors.E(op, errors.IO, err)
	}
	refs := make([]storage.ListItem, 0, len(objs.Items))
	for _, o := range objs.Items {
		refs = append(refs, storage.ListItem{Ref: o.Name, Size: int64(o.Size)})
	}
	return refs, objs.NextPageToken, nil
}

// emptyBucket completely removes all files in a bucket permanently.
// If verbose is true, every attempt to delete a file is logged to the standard logger.
// This is an expensive operation. It is also dangerous, so use with care.
func (gcs *gcsImpl) emptyBucket(verbose bool) error {
	pageToken := ""
	var firstErr error
	recordErr := func(err error) bool {
		if err == nil {
			return false
		}
		if firstErr == nil {
			firstErr = err
		}
		return true
	}
	for {
		refs, next, err := gcs.List(pageToken)
		if recordErr(err) {
			log.Error.Printf("emptyBucket: List(%q): %v", gcs.bucketName, err)
			break
		}
		if verbose {
			log.Printf("Going to delete %d items from bucket %s", len(refs), gcs.bucketName)
		}
		for _, r := range refs {
			if verbose {
				log.Printf("Deleting: %q", r.Ref)
			}
			if err := gcs.Delete(r.Ref); recordErr(err) {
				log.Error.Printf("emptyBucket: Delete(%q): %v", r.Ref, err)
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return firstErr
}

// Close implements Storage.
func (gcs *gcsImpl) Close() error {
	// Not much to do, the GCS interface is pretty stateless (HTTP client).
	gcs.client = nil
	gcs.service = nil
	return nil
}
