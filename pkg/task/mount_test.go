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

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONUnmarshalDecodesProcessSpecFragment(t *testing.T) {
	var v struct {
		Terminal bool     `json:"terminal"`
		Args     []string `json:"args"`
	}
	err := jsonUnmarshal([]byte(`{"terminal":true,"args":["sh","-c","echo hi"]}`), &v)
	require.NoError(t, err)
	assert.True(t, v.Terminal)
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, v.Args)
}

func TestJSONUnmarshalPropagatesDecodeError(t *testing.T) {
	var v struct{}
	err := jsonUnmarshal([]byte(`not json`), &v)
	require.Error(t, err)
}
