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

package reaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTablePutGetDelete(t *testing.T) {
	tbl := NewTable()

	_, ok := tbl.Get(100)
	assert.False(t, ok)

	tbl.Put(100, 137)
	status, ok := tbl.Get(100)
	assert.True(t, ok)
	assert.Equal(t, 137, status)

	tbl.Delete(100)
	_, ok = tbl.Get(100)
	assert.False(t, ok)
}
