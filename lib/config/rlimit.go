// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// recommendedFileDescriptors is the soft RLIMIT_NOFILE below which a
// warning is logged. The SQLite pool, media files, and federation
// sockets all hold descriptors at once.
const recommendedFileDescriptors = 8192

// MaximizeFileDescriptors raises the soft RLIMIT_NOFILE to the hard
// limit and logs the outcome. Distribution defaults of 1024 are too
// low for a busy homeserver; failing to raise the limit is logged, not
// fatal.
func MaximizeFileDescriptors(logger *slog.Logger) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("config: reading RLIMIT_NOFILE: %w", err)
	}

	if limit.Cur < limit.Max {
		raised := limit
		raised.Cur = limit.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
			logger.Warn("could not raise file descriptor limit",
				"soft", limit.Cur,
				"hard", limit.Max,
				"error", err,
			)
		} else {
			limit = raised
		}
	}

	if limit.Cur < recommendedFileDescriptors {
		logger.Warn("file descriptor limit is low",
			"limit", limit.Cur,
			"recommended", recommendedFileDescriptors,
		)
	} else {
		logger.Debug("file descriptor limit", "limit", limit.Cur)
	}
	return nil
}
