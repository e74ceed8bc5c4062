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

package options

import (
	"os"
	"path/filepath"
	"testing"

	typeurl "github.com/containerd/typeurl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfigMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := LoadEngineConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, EngineConfig{}, cfg)
}

func TestLoadEngineConfigDecodesTOML(t *testing.T) {
	dir := t.TempDir()
	content := "runtime_type = \"io.containerd.runc.v2\"\n\n[flags]\nlog_level = \"debug\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644))

	cfg, err := LoadEngineConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "io.containerd.runc.v2", cfg.RuntimeType)
	assert.Equal(t, "debug", cfg.RuntimeFlags["log_level"])
}

func TestUnmarshalAnyNilMeansNoOverrides(t *testing.T) {
	opts, err := UnmarshalAny(nil)
	require.NoError(t, err)
	assert.Equal(t, &CreateOptions{}, opts)
}

func TestUnmarshalAnyRoundTrip(t *testing.T) {
	want := &CreateOptions{IoUID: 1000, IoGID: 1000, NoPivotRoot: true}
	any, err := typeurl.MarshalAny(want)
	require.NoError(t, err)

	got, err := UnmarshalAny(any)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
