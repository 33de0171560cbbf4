// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log provides a dstl.io/log.ExternalLogger that sends log lines
// to Google Cloud Logging. It is kept apart from dstl.io/log so that only
// commands that connect to the service link the cloud client.
package log // import "dstl.io/cloud/log"

import (
	"context"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"

	"dstl.io/log"
)

// Connect registers with the log package a logger writing to logName in
// the given project. Messages are still written to the default logger.
func Connect(projectID, logName string) error {
	client, err := logging.NewClient(context.Background(), projectID, option.WithScopes(logging.WriteScope))
	if err != nil {
		return err
	}
	log.Register(logger{cloud: client.Logger(logName)})
	return nil
}

type logger struct {
	cloud *logging.Logger
}

var _ log.ExternalLogger = logger{}

func (l logger) Log(level log.Level, message string) {
	l.cloud.Log(logging.Entry{
		Severity: severity(level),
		Payload:  message,
	})
}

func (l logger) Flush() {
	l.cloud.Flush()
}

func severity(l log.Level) logging.Severity {
	switch l {
	case log.DebugLevel:
		return logging.Debug
	case log.InfoLevel:
		return logging.Info
	case log.ErrorLevel:
		return logging.Error
	}
	return logging.Default
}
