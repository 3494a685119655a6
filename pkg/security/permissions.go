// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security provides startup-time filesystem permission checks for
// the engine's data, checkpoint, and PID-file directories.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitivePatterns defines filename patterns that require restrictive permissions (0600/0700).
// These patterns are matched case-insensitively against the basename of the file path.
var sensitivePatterns = []string{
	"config", "settings", "conf", ".cfg", ".ini",
	"secret", "credential", "password", "auth",
	"key", ".pem", ".p12", ".jks", "private",
	".env",
	"token", "bearer", "api_key",
}

// CheckConfigPermissions checks if a config file or directory has overly permissive
// permissions. Returns a list of warning messages for files or directories that are
// world-readable or world-writable, for group-writable directories, and for
// group-writable files whose base name matches a sensitive pattern. Intended
// for startup validation.
func CheckConfigPermissions(path string) []string {
	var warnings []string

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return warnings
		}
		warnings = append(warnings, fmt.Sprintf("unable to check permissions for %s: %v", path, err))
		return warnings
	}

	mode := info.Mode()
	perm := mode.Perm()

	if mode.IsDir() {
		if perm&0004 != 0 {
			warnings = append(warnings, fmt.Sprintf("directory %s is world-readable (permissions: %o), recommend chmod 0700 or 0750", path, perm))
		}
		if perm&0002 != 0 {
			warnings = append(warnings, fmt.Sprintf("directory %s is world-writable (permissions: %o), recommend chmod 0700 or 0750", path, perm))
		}
		if perm&0020 != 0 {
			warnings = append(warnings, fmt.Sprintf("directory %s is group-writable (permissions: %o), recommend chmod 0700", path, perm))
		}
		return warnings
	}

	if perm&0004 != 0 {
		warnings = append(warnings, fmt.Sprintf("file %s is world-readable (permissions: %o), recommend chmod 0600 or 0640", path, perm))
	}
	if perm&0002 != 0 {
		warnings = append(warnings, fmt.Sprintf("file %s is world-writable (permissions: %o), recommend chmod 0600 or 0640", path, perm))
	}
	if perm&0020 != 0 {
		base := strings.ToLower(filepath.Base(path))
		isSensitive := false
		for _, pattern := range sensitivePatterns {
			if strings.Contains(base, pattern) {
				isSensitive = true
				break
			}
		}
		if isSensitive {
			warnings = append(warnings, fmt.Sprintf("sensitive file %s is group-writable (permissions: %o), recommend chmod 0600", path, perm))
		}
	}

	return warnings
}
