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

package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheme(t *testing.T) {
	scheme, rest := parseScheme("fifo:///run/containerd/s/out")
	assert.Equal(t, "fifo", scheme)
	assert.Equal(t, "/run/containerd/s/out", rest)

	scheme, rest = parseScheme("/run/containerd/s/out")
	assert.Equal(t, "", scheme)
	assert.Equal(t, "/run/containerd/s/out", rest)
}

func TestSchemePathRoundTrip(t *testing.T) {
	withScheme, err := schemePath("fifo:///run/containerd/s/out")
	require.NoError(t, err)

	bare, err := schemePath("/run/containerd/s/out")
	require.NoError(t, err)

	assert.Equal(t, bare, withScheme)
	assert.Equal(t, "/run/containerd/s/out", bare)
}

func TestSchemePathEmpty(t *testing.T) {
	path, err := schemePath("")
	require.NoError(t, err)
	assert.Equal(t, "", path)
}

func TestStdioIsNull(t *testing.T) {
	assert.True(t, Stdio{}.IsNull())
	assert.False(t, Stdio{Stdout: "/tmp/out"}.IsNull())
}
