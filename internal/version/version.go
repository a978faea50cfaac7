/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version exposes build-time version information.
package version

// Version is the current server version. Set at build time via ldflags:
//
//	-X github.com/SystemVirtue/obie-v5-sub001/internal/version.Version=X.Y.Z
var Version = "0.5.0"
