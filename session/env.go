//
// Copyright 2024 Scratchbox2 Project.
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

// Package session implements SB2's session bring-up: the config layer
// (spec.md §6's environment variables plus an on-disk manifest) and
// the wiring that turns them into a running writer daemon (package
// writerd) with its rule tree (package ruletree) populated.
package session

import (
	"os"
	"strconv"

	"github.com/scratchbox2/sb2-engine/logger"
)

// EnvConfig is every spec.md §6 environment variable this
// reimplementation consumes, read once at session bring-up. SBOX_*
// values always override anything the on-disk manifest (manifest.go)
// set, matching SPEC_FULL.md's "env vars always override the
// manifest" ambient-stack decision.
type EnvConfig struct {
	SessionDir             string
	MapMode                string
	DisableMapping         bool
	LogLevel               string
	LogFile                string
	LogFormat              string
	VpermRequest           string
	CPUTransparencyMethod  string
	TargetRoot             string
	BinaryName             string
}

// FromEnviron reads EnvConfig from the process environment, one
// variable at a time with os.Getenv.
func FromEnviron() EnvConfig {
	return EnvConfig{
		SessionDir:            os.Getenv("SBOX_SESSION_DIR"),
		MapMode:               os.Getenv("SBOX_MAPMODE"),
		DisableMapping:        os.Getenv("SBOX_DISABLE_MAPPING") != "",
		LogLevel:              os.Getenv("SBOX_MAPPING_LOGLEVEL"),
		LogFile:               os.Getenv("SBOX_MAPPING_LOGFILE"),
		LogFormat:             os.Getenv("SBOX_MAPPING_LOGFORMAT"),
		VpermRequest:          os.Getenv("SBOX_VPERM_REQUEST"),
		CPUTransparencyMethod: os.Getenv("SBOX_CPUTRANSPARENCY_METHOD"),
		TargetRoot:            os.Getenv("SBOX_TARGET_ROOT"),
		BinaryName:            os.Getenv("__SBOX_BINARYNAME"),
	}
}

// ConfigureLogger applies the logger-relevant fields of c to log,
// matching C1's env-override contract (spec.md §4.1): unset variables
// leave the logger's current setting alone.
func (c EnvConfig) ConfigureLogger(log *logger.Logger) {
	if c.LogLevel != "" {
		if lvl, ok := logger.LevelFromName(c.LogLevel); ok {
			log.SetLevel(lvl)
		}
	}
	if c.LogFile != "" {
		log.SetFile(c.LogFile)
	}
}

// Validate reports whether c has the one field spec.md §6 marks
// "Required".
func (c EnvConfig) Validate() error {
	if c.SessionDir == "" {
		return errSessionDirRequired
	}
	return nil
}

var errSessionDirRequired = stringError("SBOX_SESSION_DIR is required")

type stringError string

func (e stringError) Error() string { return string(e) }

// parseUint32 mirrors sb2d.c's parse_num: it accepts decimal, 0x hex
// and 0 octal forms. ParseVpermRequest uses it for each numeric field.
func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}
