// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/setup/config"
)

// SetupStdLogging configures the logrus standard logger for console
// output at the configured level. Unknown levels fall back to info.
func SetupStdLogging(cfg *config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
		FullTimestamp:    true,
		DisableColors:    false,
		DisableTimestamp: false,
		QuoteEmptyFields: true,
	})
}

// SetupSentry initialises error reporting when a DSN is configured.
// Returns a flush function that should run on shutdown.
func SetupSentry(cfg *config.Logging, environment string) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: environment,
		Release:     "kasagiengine/" + VersionString(),
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warn("Failed to flush all Sentry events!")
		}
	}, nil
}
