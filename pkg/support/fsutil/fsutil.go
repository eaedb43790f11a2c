// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves the paths given in configuration files and command-line flags.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if the file system failed.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "FileExists(%q)", path)
}

// ExpandPath replaces a leading "~" or "~user" by the home directory of the current or of the named user.
// Other paths are returned unchanged.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var homeDir string
	if userName == "" {
		var err error
		if homeDir, err = os.UserHomeDir(); err != nil {
			return "", errors.Wrapf(err, "expanding %q", path)
		}
	} else {
		usr, err := user.Lookup(userName)
		if err != nil {
			return "", errors.Wrapf(err, "expanding %q: unknown user %q", path, userName)
		}
		homeDir = usr.HomeDir
	}
	return filepath.Join(homeDir, rest), nil
}
