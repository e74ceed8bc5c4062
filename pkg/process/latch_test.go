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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitLatchFireThenWait(t *testing.T) {
	l := NewExitLatch()
	now := time.Unix(100, 0)

	ok := l.Fire(7, now)
	assert.True(t, ok)

	status, at := l.Wait()
	assert.Equal(t, 7, status)
	assert.True(t, now.Equal(at))
}

func TestExitLatchFireIsOnceOnly(t *testing.T) {
	l := NewExitLatch()
	first := time.Unix(1, 0)
	second := time.Unix(2, 0)

	require.True(t, l.Fire(1, first))
	require.False(t, l.Fire(2, second))

	status, at := l.Wait()
	assert.Equal(t, 1, status)
	assert.True(t, first.Equal(at))
}

func TestExitLatchWaitBlocksUntilFire(t *testing.T) {
	l := NewExitLatch()
	var wg sync.WaitGroup
	wg.Add(1)

	result := make(chan int, 1)
	go func() {
		defer wg.Done()
		status, _ := l.Wait()
		result <- status
	}()

	select {
	case <-result:
		t.Fatal("Wait returned before Fire was called")
	case <-time.After(20 * time.Millisecond):
	}

	l.Fire(42, time.Now())
	wg.Wait()
	assert.Equal(t, 42, <-result)
}

func TestExitLatchPeek(t *testing.T) {
	l := NewExitLatch()

	_, _, fired := l.Peek()
	assert.False(t, fired)

	l.Fire(3, time.Unix(5, 0))
	status, at, fired := l.Peek()
	assert.True(t, fired)
	assert.Equal(t, 3, status)
	assert.True(t, time.Unix(5, 0).Equal(at))
}
