// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package amazons3 implements a storage backend that saves changelog blobs
// to Amazon Simple Storage Service.
package amazons3 // import "dstl.io/cloud/storage/amazons3"

import (
	"bytes"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"dstl.io/cloud/storage"
	"dstl.io/errors"
)

// Keys used for storing dial options.
const (
	bucketName = "s3BucketName"
	region     = "s3Region"
	endpoint   = "s3Endpoint" // For S3-compatible services; implies path-style addressing.

	// Static credentials. When absent the SDK's default chain is used.
	accessKeyID     = "s3AccessKeyID"
	secretAccessKey = "s3SecretAccessKey"
)

// s3Impl is an implementation of Storage that connects to an Amazon Simple
// Storage (S3) backend.
type s3Impl struct {
	service    *s3.S3
	bucketName string
}

// New initializes a Storage implementation that stores data to Amazon Simple
// Storage Service.
func New(opts *storage.Opts) (storage.Storage, error) {
	const op errors.Op = "cloud/storage/amazons3.New"

	bucket, ok := opts.Opts[bucketName]
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%q option is required", bucketName))
	}

	cfg := aws.NewConfig()
	if r, ok := opts.Opts[region]; ok {
		cfg = cfg.WithRegion(r)
	}
	if e, ok := opts.Opts[endpoint]; ok {
		cfg = cfg.WithEndpoint(e).WithS3ForcePathStyle(true)
	}
	id, secret := opts.Opts[accessKeyID], opts.Opts[secretAccessKey]
	switch {
	case id != "" && secret != "":
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(id, secret, ""))
	case id != "" || secret != "":
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%q and %q must be given together", accessKeyID, secretAccessKey))
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.E(op, errors.IO, errors.Errorf("unable to create Amazon session: %s", err))
	}

	return &s3Impl{
		service:    s3.New(sess),
		bucketName: bucket,
	}, nil
}

func init() {
	storage.Register("S3", New)
}

var (
	_ storage.Storage = (*s3Impl)(nil)
	_ storage.Lister  = (*s3Impl)(nil)
)

// Download implements Storage.
func (s *s3Impl) Download(ref string) ([]byte, error) {
	const op errors.Op = "cloud/storage/amazons3.Download"

	buf := aws.NewWriteAtBuffer([]byte{})
	d := s3manager.NewDownloaderWithClient(s.service)
	_, err := d.Download(buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, errors.Errorf(
			"unable to download ref %q from bucket %q: %s", ref, s.bucketName, err))
	}
	return buf.Bytes(), nil
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.RequestFailure); ok {
		return awsErr.StatusCode() == http.StatusNotFound
	}
	return false
}

// Put implements Storage.
func (s *s3Impl) Put(ref string, contents []byte) error {
	const op errors.Op = "cloud/storage/amazons3.Put"

	ul := s3manager.NewUploaderWithClient(s.service)
	_, err := ul.Upload(&s3manager.UploadInput{
		ACL:    aws.String(s3.ObjectCannedACLPrivate),
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
		Body:   bytes.NewReader(contents),
	})
	if err != nil {
		return errors.E(op, errors.IO, errors.Errorf(
			"unable to upload ref %q to bucket %q: %s", ref, s.bucketName, err))
	}
	return nil
}

// Delete implements Storage. S3 does not report deletion of a missing
// object, so neither does Delete.
func (s *s3Impl) Delete(ref string) error {
	const op errors.Op = "cloud/storage/amazons3.Delete"

	_, err := s.service.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
	})
	if err != nil {
		return errors.E(op, errors.IO, errors.Errorf(
			"unable to delete ref %q from bucket %q: %s", ref, s.bucketName, err))
	}
	return nil
}

// List implements storage.Lister.
func (s *s3Impl) List(token string) ([]storage.ListItem, string, error) {
	const op errors.Op = "cloud/storage/amazons3.List"

	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucketName)}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}
	out, err := s.service.ListObjectsV2(in)
	if err != nil {
		return nil, "", errors.E(op, errors.IO, err)
	}
	refs := make([]storage.ListItem, 0, len(out.Contents))
	for _, o := range out.Contents {
		refs = append(refs, storage.ListItem{
			Ref:  aws.StringValue(o.Key),
			Size: aws.Int64Value(o.Size),
		})
	}
	var next string
	if aws.BoolValue(out.IsTruncated) {
		next = aws.StringValue(out.NextContinuationToken)
	}
	return refs, next, nil
}

// Close implements Storage.
func (s *s3Impl) Close() error {
	// The S3 service doesn't require any cleanup.
	s.service = nil
	return nil
}

func (s *s3Impl) createBucket() error {
	_, err := s.service.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

func (s *s3Impl) deleteBucket() error {
	_, err := s.service.DeleteBucket(&s3.DeleteBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}
