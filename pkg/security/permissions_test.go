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

package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckConfigPermissions_NonexistentPath(t *testing.T) {
	warnings := CheckConfigPermissions(filepath.Join(t.TempDir(), "does-not-exist"))

	if len(warnings) != 0 {
		t.Errorf("expected no warnings for a nonexistent path, got %v", warnings)
	}
}

func TestCheckConfigPermissions_SecureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("key: value"), 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	warnings := CheckConfigPermissions(path)

	if len(warnings) != 0 {
		t.Errorf("expected no warnings for a 0600 file, got %v", warnings)
	}
}

func TestCheckConfigPermissions_SecureDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.Mkdir(dir, 0700); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}

	warnings := CheckConfigPermissions(dir)

	if len(warnings) != 0 {
		t.Errorf("expected no warnings for a 0700 directory, got %v", warnings)
	}
}

func TestCheckConfigPermissions_WorldReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("key: value"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	warnings := CheckConfigPermissions(path)

	if len(warnings) == 0 {
		t.Fatal("expected a warning for a world-readable file, got none")
	}
}

func TestCheckConfigPermissions_WorldWritableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("key: value"), 0602); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := os.Chmod(path, 0602); err != nil {
		t.Fatalf("failed to chmod test file: %v", err)
	}

	warnings := CheckConfigPermissions(path)

	if len(warnings) == 0 {
		t.Fatal("expected a warning for a world-writable file, got none")
	}
}

func TestCheckConfigPermissions_WorldReadableDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.Mkdir(dir, 0705); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}

	warnings := CheckConfigPermissions(dir)

	if len(warnings) == 0 {
		t.Fatal("expected a warning for a world-readable directory, got none")
	}
}

func TestCheckConfigPermissions_GroupWritableSensitiveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_key.secret")
	if err := os.WriteFile(path, []byte("sk-test"), 0620); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := os.Chmod(path, 0620); err != nil {
		t.Fatalf("failed to chmod test file: %v", err)
	}

	warnings := CheckConfigPermissions(path)

	if len(warnings) == 0 {
		t.Fatal("expected a warning for a group-writable sensitive file, got none")
	}
}

func TestCheckConfigPermissions_GroupWritableNonSensitiveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0620); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := os.Chmod(path, 0620); err != nil {
		t.Fatalf("failed to chmod test file: %v", err)
	}

	warnings := CheckConfigPermissions(path)

	if len(warnings) != 0 {
		t.Errorf("expected no warning for a group-writable non-sensitive file, got %v", warnings)
	}
}

func TestCheckConfigPermissions_GroupWritableDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.Mkdir(dir, 0720); err != nil {
		t.Fatalf("failed to create test directory: %v", err)
	}
	if err := os.Chmod(dir, 0720); err != nil {
		t.Fatalf("failed to chmod test directory: %v", err)
	}

	warnings := CheckConfigPermissions(dir)

	if len(warnings) == 0 {
		t.Fatal("expected a warning for a group-writable directory, got none")
	}
}
