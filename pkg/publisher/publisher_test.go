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

package publisher

import (
	"context"
	"testing"

	"github.com/containerd/containerd/api/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsContainerdBinary(t *testing.T) {
	p := New("", "/run/containerd/containerd.sock", "default")
	assert.Equal(t, "containerd", p.ContainerdBinary)
}

func TestPublishSuccess(t *testing.T) {
	p := New("/bin/true", "/run/containerd/containerd.sock", "default")
	err := p.Publish(context.Background(), "/tasks/exit", &events.TaskExit{
		ContainerID: "c1",
		ID:          "c1",
		Pid:         42,
		ExitStatus:  0,
	})
	require.NoError(t, err)
}

func TestPublishNonZeroExitIsWrappedError(t *testing.T) {
	p := New("/bin/false", "/run/containerd/containerd.sock", "default")
	err := p.Publish(context.Background(), "/tasks/exit", &events.TaskExit{ContainerID: "c1"})
	require.Error(t, err)
}
