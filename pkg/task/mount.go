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
	"encoding/json"

	apitypes "github.com/containerd/containerd/api/types"
	"github.com/containerd/containerd/mount"
)

// mountOne mounts a single create-request rootfs entry under target using
// the teacher's own mount package rather than hand-rolled unix.Mount calls
// (containerd/containerd/mount already encodes the option-string quirks
// for overlay/bind/etc that every shim relies on).
func mountOne(target string, m *apitypes.Mount) error {
	return mount.All([]mount.Mount{{
		Type:    m.Type,
		Source:  m.Source,
		Target:  target,
		Options: m.Options,
	}}, target)
}

// jsonUnmarshal decodes the raw bytes carried by a typed Any whose payload
// is plain JSON (the convention containerd uses for opaque OCI spec
// fragments such as Process and LinuxResources, rather than a second
// layer of protobuf encoding).
func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
