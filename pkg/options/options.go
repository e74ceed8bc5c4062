/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package options decodes the runtime configuration carried in task-service
// requests (typeurl-packed CreateOptions) and the on-disk engine config.
package options

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	typeurl "github.com/containerd/typeurl/v2"
)

// configFile is the default runtime engine config file name, read from
// <runtime-root>/config.toml exactly as the teacher's shim does for runsc.
const configFile = "config.toml"

func init() {
	typeurl.Register(&CreateOptions{}, "rshim", "CreateOptions")
	typeurl.Register(&Options{}, "rshim", "Options")
}

// CreateOptions carries per-container overrides passed with a Create RPC,
// packed into the request's typeurl.Any options field.
type CreateOptions struct {
	// IoUID/IoGID own the shim-facing end of fifo pipes (§4.2).
	IoUID uint32
	IoGID uint32
	// ShimCgroup is decoded but not acted on: the shim is not moved into
	// this cgroup.
	ShimCgroup string
	// NoPivotRoot disables pivot_root in the created container's mount namespace.
	NoPivotRoot bool
	// NoNewKeyring disables session keyring creation.
	NoNewKeyring bool
}

// Options carries shim-wide runtime configuration sourced from the CLI and
// config.toml (§3 "Runtime configuration").
type Options struct {
	// Runtime is the OCI runtime binary name, default "runc".
	Runtime string
	// RuntimeRoot is the runtime's state directory, joined with namespace.
	RuntimeRoot string
	// SystemdCgroup requests the runtime's systemd cgroup driver.
	SystemdCgroup bool
	// CriuPath names the criu binary; nothing reads it, since checkpoint/restore is a stub (§1 Non-goals).
	CriuPath string
}

// EngineConfig is the decoded shape of <runtime-root>/config.toml. Absence
// of the file is not an error; defaults apply.
type EngineConfig struct {
	RuntimeType  string            `toml:"runtime_type"`
	RuntimeFlags map[string]string `toml:"flags"`
}

// LoadEngineConfig loads <runtimeRoot>/config.toml if present, returning a
// zero-value EngineConfig (not an error) when the file is absent.
func LoadEngineConfig(runtimeRoot string) (EngineConfig, error) {
	var cfg EngineConfig
	path := filepath.Join(runtimeRoot, configFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// UnmarshalAny decodes a typeurl.Any payload into a CreateOptions, returning
// the zero value if any is nil (meaning "no overrides requested").
func UnmarshalAny(any typeurl.Any) (*CreateOptions, error) {
	if any == nil {
		return &CreateOptions{}, nil
	}
	v, err := typeurl.UnmarshalAny(any)
	if err != nil {
		return nil, err
	}
	opts, ok := v.(*CreateOptions)
	if !ok {
		return &CreateOptions{}, nil
	}
	return opts, nil
}
