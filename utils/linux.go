//
// Copyright 2020 - 2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package utils

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Afero FS for unit-testing purposes.
var appFs = afero.NewOsFs()

// GetDistro returns the host's Linux distribution id (e.g. "ubuntu",
// "fedora"), used by package session to log which distro a session is
// running on at bring-up — useful context when a cross-toolchain exec
// policy behaves differently across distros.
func GetDistro() (string, error) {

	distro, err := GetDistroPath("/")
	if err != nil {
		return "", err
	}

	return distro, nil
}

// Parse os-release lines looking for 'ID' field. Originally borrowed from
// acobaugh/osrelease lib and adjusted to extract only the os-release "ID"
// field.
func parseLineDistroId(line string) string {

	// Skip empty lines.
	if len(line) == 0 {
		return ""
	}

	// Skip comments.
	if line[0] == '#' {
		return ""
	}

	// Try to split string at the first '='.
	splitString := strings.SplitN(line, "=", 2)
	if len(splitString) != 2 {
		return ""
	}

	// Trim white space from key. Return here if we are not dealing
	// with an "ID" field.
	key := splitString[0]
	key = strings.Trim(key, " ")
	if key != "ID" {
		return ""
	}

	// Trim white space from value.
	value := splitString[1]
	value = strings.Trim(value, " ")

	// Handle double quotes.
	if strings.ContainsAny(value, `"`) {
		first := string(value[0:1])
		last := string(value[len(value)-1:])

		if first == last && strings.ContainsAny(first, `"'`) {
			value = strings.TrimPrefix(value, `'`)
			value = strings.TrimPrefix(value, `"`)
			value = strings.TrimSuffix(value, `'`)
			value = strings.TrimSuffix(value, `"`)
		}
	}

	// Expand anything else that could be escaped.
	value = strings.Replace(value, `\"`, `"`, -1)
	value = strings.Replace(value, `\$`, `$`, -1)
	value = strings.Replace(value, `\\`, `\`, -1)
	value = strings.Replace(value, "\\`", "`", -1)

	return value
}

// GetDistroPath is GetDistro, but reading os-release from under rootfs
// instead of the host's own "/" — used (with an afero in-memory
// filesystem) by this package's own tests, and by package session
// against the real host filesystem at session bring-up.
func GetDistroPath(rootfs string) (string, error) {

	var (
		data []byte
		err  error
	)

	// As per os-release(5) man page both of the following paths should be taken
	// into account to find 'os-release' file.
	var osRelPaths = []string{
		filepath.Join(rootfs, "/etc/os-release"),
		filepath.Join(rootfs, "/usr/lib/os-release"),
	}

	for _, file := range osRelPaths {
		data, err = afero.ReadFile(appFs, file)
		if err != nil {
			continue
		}

		lines := strings.Split(string(data), "\n")

		// Iterate through os-release lines looking for 'ID' content.
		for _, line := range lines {
			distro := parseLineDistroId(line)
			if distro != "" {
				return distro, nil
			}
		}
	}

	return "", err
}
