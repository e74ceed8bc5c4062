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
	"github.com/containerd/containerd/mount"
)

// UnmountAll implements §4.4's delete-time rootfs teardown, grounded on the
// Rust original's mount_linux::umount_all contract referenced from
// process.rs's InitProcess::delete: retry on EBUSY, stop immediately on
// EINVAL ("not mounted"). containerd/containerd/mount.UnmountAll already
// implements exactly this retry loop (the teacher's own
// pkg/shim/v1/runsc/service.go calls it the same way at delete time), so
// it is used here directly rather than re-implementing the retry against
// golang.org/x/sys/unix. Exported so pkg/task can reuse it to clean up a
// partially mounted rootfs when create fails partway through.
func UnmountAll(target string) error {
	return mount.UnmountAll(target, 0)
}
