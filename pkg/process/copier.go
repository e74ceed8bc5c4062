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
	"context"
	"io"
	"sync"

	"github.com/containerd/console"
	"github.com/containerd/fifo"
	runc "github.com/containerd/go-runc"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// copyBufSize is the 2 KiB granularity named in §4.3. Each direction gets
// its own buffer; a goroutine per direction is the idiomatic-Go stand-in
// for the Rust source's dedicated-thread edge-triggered poll loop — the Go
// runtime's netpoller already drives os.File reads on pipes/ptys through
// epoll, so io.CopyBuffer in its own goroutine gets the same
// non-blocking, re-pollable behavior without hand-rolled poll(2) plumbing.
const copyBufSize = 2 * 1024

// Copier owns the goroutines bridging a container's pipe or console FDs to
// the orchestrator-provided fifo paths, and the open fifo handles.
type Copier struct {
	wg      sync.WaitGroup
	closers []io.Closer
	mu      sync.Mutex
}

// StartPipeCopier wires the pipe topology of §4.3: stdin fifo -> container
// stdin; container stdout/stderr -> their fifos. Stdin HUP only drops the
// container-stdin side; stdout/stderr HUP closes both ends of that
// direction, which is what signals EOF to the orchestrator.
func StartPipeCopier(ctx context.Context, rio runc.IO, paths IO) (*Copier, error) {
	c := &Copier{}

	if paths.Stdin != "" {
		in, err := fifo.OpenFifo(ctx, paths.Stdin, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.track(in)
		c.goCopy(func() {
			io.CopyBuffer(rio.Stdin(), in, make([]byte, copyBufSize))
			// Stdin HUP: drop only the container-facing write end.
			rio.Stdin().Close()
			in.Close()
		})
	}

	if paths.Stdout != "" {
		out, err := fifo.OpenFifo(ctx, paths.Stdout, unix.O_WRONLY, 0)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.track(out)
		c.goCopy(func() {
			io.CopyBuffer(out, rio.Stdout(), make([]byte, copyBufSize))
			out.Close()
			rio.Stdout().Close()
		})
	}

	if paths.Stderr != "" {
		errw, err := fifo.OpenFifo(ctx, paths.Stderr, unix.O_WRONLY, 0)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.track(errw)
		c.goCopy(func() {
			io.CopyBuffer(errw, rio.Stderr(), make([]byte, copyBufSize))
			errw.Close()
			rio.Stderr().Close()
		})
	}

	return c, nil
}

// StartConsoleCopier wires the console topology: stdin fifo -> pty master;
// pty master -> stdout fifo. HUP on the master terminates the copier.
func StartConsoleCopier(ctx context.Context, master console.Console, stdinPath, stdoutPath string) (*Copier, error) {
	c := &Copier{}

	if stdinPath != "" {
		in, err := fifo.OpenFifo(ctx, stdinPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.track(in)
		c.goCopy(func() {
			io.CopyBuffer(master, in, make([]byte, copyBufSize))
			in.Close()
		})
	}

	if stdoutPath != "" {
		out, err := fifo.OpenFifo(ctx, stdoutPath, unix.O_WRONLY, 0)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.track(out)
		c.goCopy(func() {
			io.CopyBuffer(out, master, make([]byte, copyBufSize))
			out.Close()
			master.Close()
		})
	}

	return c, nil
}

func (c *Copier) track(closer io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer)
}

func (c *Copier) goCopy(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.L.WithField("panic", r).Error("io copier recovered")
			}
		}()
		fn()
	}()
}

// Wait blocks until every copier goroutine has observed EOF/HUP.
func (c *Copier) Wait() {
	c.wg.Wait()
}

// Close releases every fifo handle the copier opened; safe to call more
// than once and safe to call before Wait returns (each copy loop closes
// its own handles again, which is a no-op on an already-closed file).
func (c *Copier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.closers {
		cl.Close()
	}
	return nil
}
