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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/console"
	"github.com/containerd/errdefs"
	"github.com/containerd/fifo"
	runc "github.com/containerd/go-runc"
	"golang.org/x/sys/unix"

	"github.com/ningmingxiao/rshim/pkg/runtime"
)

// initPidFile is the canonical pid-file location named in §4.4: "Bundle
// path init.pid is the canonical pid-file location".
const initPidFile = "init.pid"

// CreateConfig carries the arguments of the Task Service's create RPC that
// Init.Create needs, after the caller has already mounted any rootfs
// entries into <bundle>/rootfs (§4.6 owns the mount loop, not Init).
type CreateConfig struct {
	Stdio        Stdio
	IoUID        int
	IoGID        int
	NoPivot      bool
	NoNewKeyring bool
}

// Init is the Init Process Object (§3/§4.4): the container's pid 1.
type Init struct {
	mu sync.Mutex

	id          string
	containerID string
	bundle      string

	pid   int
	state InitState
	stdio Stdio

	latch *ExitLatch

	rt *runtime.Adapter

	io             *IO
	copier         *Copier
	console        console.Console
	consoleSocket  *runc.Socket
	stdinKeepAlive io.Closer
	closeIOOnce    sync.Once

	rootfsMounted bool
}

// NewInit constructs an Init in state Created; callers invoke Create next.
func NewInit(id, containerID, bundle string, rt *runtime.Adapter) *Init {
	return &Init{
		id:          id,
		containerID: containerID,
		bundle:      bundle,
		state:       Created,
		latch:       NewExitLatch(),
		rt:          rt.WithBundle(bundle),
	}
}

func (p *Init) ID() string          { return p.id }
func (p *Init) ContainerID() string { return p.containerID }
func (p *Init) Bundle() string      { return p.bundle }

func (p *Init) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Init) State() InitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Init) Stdio() Stdio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdio
}

// SetRootfsMounted records whether Create bind-mounted a rootfs for this
// container, so Delete knows whether to unmount (§4.4 delete contract).
func (p *Init) SetRootfsMounted(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rootfsMounted = v
}

// isPaused reports whether the state is Paused; the caller must hold p.mu.
// SetExited does not consult it and issues no runtime resume.
func (p *Init) isPaused() bool {
	return p.state == Paused
}

// Create assembles I/O (B), invokes the Runtime Adapter's create, reads
// back the pid, opens the stdin keepalive handle and spawns copiers
// (§4.4's create contract).
func (p *Init) Create(ctx context.Context, cfg CreateConfig) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pidFile := filepath.Join(p.bundle, initPidFile)

	var (
		io_    *IO
		socket *runc.Socket
		copier *Copier
		master console.Console
	)
	cleanup := func() {
		if copier != nil {
			copier.Close()
		}
		if socket != nil {
			socket.Close()
		}
	}

	if cfg.Stdio.Terminal {
		sockPath := runtime.NewConsoleSocketName(os.TempDir(), p.id)
		socket, err = runc.NewConsoleSocket(sockPath)
		if err != nil {
			return fmt.Errorf("%w: console socket: %v", errdefs.ErrUnknown, err)
		}
		defer func() {
			socket.Close()
			os.Remove(sockPath)
		}()

		createErr := p.rt.Create(ctx, p.id, p.bundle, runtime.CreateOpts{
			PidFile:       pidFile,
			ConsoleSocket: socket,
			NoPivot:       cfg.NoPivot,
			NoNewKeyring:  cfg.NoNewKeyring,
		})
		if createErr != nil {
			return createErr
		}

		master, err = socket.ReceiveMaster()
		if err != nil {
			return fmt.Errorf("%w: receive console master: %v", errdefs.ErrUnknown, err)
		}

		pid, rerr := readPidFile(pidFile)
		if rerr != nil {
			return rerr
		}
		p.pid = pid

		copier, err = StartConsoleCopier(ctx, master, cfg.Stdio.Stdin, cfg.Stdio.Stdout)
		if err != nil {
			cleanup()
			return err
		}
	} else {
		io_, err = SetupIO(p.id, cfg.IoUID, cfg.IoGID, cfg.Stdio)
		if err != nil {
			return err
		}

		createErr := p.rt.Create(ctx, p.id, p.bundle, runtime.CreateOpts{
			PidFile:      pidFile,
			NoPivot:      cfg.NoPivot,
			NoNewKeyring: cfg.NoNewKeyring,
			IO:           io_.Runc,
		})
		// The child-facing ends are owned by io_.Runc and were installed
		// into the runc subprocess by go-runc; release our reference to
		// them now that the subprocess has inherited (or failed to
		// inherit) them (§4.2 invariant).
		io_.Runc.CloseAfterStart()
		if createErr != nil {
			return createErr
		}

		pid, rerr := readPidFile(pidFile)
		if rerr != nil {
			return rerr
		}
		p.pid = pid

		if io_.Copy {
			copier, err = StartPipeCopier(ctx, io_.Runc, *io_)
			if err != nil {
				return err
			}
		}

		if cfg.Stdio.Stdin != "" {
			keepAlive, kerr := fifo.OpenFifo(ctx, cfg.Stdio.Stdin, unix.O_WRONLY|unix.O_NONBLOCK, 0)
			if kerr == nil {
				p.stdinKeepAlive = keepAlive
			}
		}
	}

	p.stdio = cfg.Stdio
	p.io = io_
	p.copier = copier
	p.console = master
	p.consoleSocket = nil // socket's job ends at ReceiveMaster; already closed above
	return nil
}

// Start transitions Created/CreatedCheckpoint -> Running via the runtime.
func (p *Init) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, err := p.state.Transition(EventStart)
	if err != nil {
		return err
	}
	if err := p.rt.Start(ctx, p.id); err != nil {
		return err
	}
	p.state = next
	return nil
}

// Pause/Resume forward to the runtime and move Running<->Paused.
func (p *Init) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, err := p.state.Transition(EventPause)
	if err != nil {
		return err
	}
	if err := p.rt.Pause(ctx, p.id); err != nil {
		return err
	}
	p.state = next
	return nil
}

func (p *Init) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Paused {
		return fmt.Errorf("%w: invalid transition from %s", errdefs.ErrFailedPrecondition, p.state)
	}
	if err := p.rt.Resume(ctx, p.id); err != nil {
		return err
	}
	p.state = Running
	return nil
}

// Update forwards resource limits; allowed in Created/CreatedCheckpoint/
// Running/Paused per §4.6.
func (p *Init) Update(ctx context.Context, apply func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Created, CreatedCheckpoint, Running, Paused:
		return apply()
	default:
		return fmt.Errorf("%w: invalid state for update: %s", errdefs.ErrFailedPrecondition, p.state)
	}
}

// Kill forwards a signal; NotFound if already Deleted, else classified by
// the Runtime Adapter.
func (p *Init) Kill(ctx context.Context, sig int, all bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Deleted {
		return fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	}
	return p.rt.Kill(ctx, p.id, sig, all)
}

// KillAllOnExit is invoked by the reaper, without the container-map lock,
// when the bundle's config.json indicates a shared pid namespace.
func (p *Init) KillAllOnExit(ctx context.Context) error {
	return p.rt.Kill(ctx, p.id, int(unix.SIGKILL), true)
}

// Resize sets the PTY window size; only meaningful with a console.
func (p *Init) Resize(ws console.WinSize) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.console == nil {
		return fmt.Errorf("%w: process has no console", errdefs.ErrFailedPrecondition)
	}
	return p.console.Resize(ws)
}

// CloseIO drops the retained stdin keepalive handle; idempotent (§8).
func (p *Init) CloseIO() error {
	p.closeIOOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stdinKeepAlive != nil {
			p.stdinKeepAlive.Close()
			p.stdinKeepAlive = nil
		}
	})
	return nil
}

// Ps returns the container's live pids via the Runtime Adapter.
func (p *Init) Ps(ctx context.Context) ([]int, error) {
	return p.rt.Ps(ctx, p.id)
}

// Delete implements §4.4's delete contract: only from
// Created/CreatedCheckpoint/Stopped; invokes runtime delete; unmounts the
// rootfs if one was bound; transitions to Deleted.
func (p *Init) Delete(ctx context.Context) (pid, status int, exitedAt time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Deleted {
		return 0, 0, time.Time{}, fmt.Errorf("%w: process already finished", errdefs.ErrNotFound)
	}
	next, terr := p.state.Transition(EventDelete)
	if terr != nil {
		return 0, 0, time.Time{}, terr
	}

	if derr := p.rt.Delete(ctx, p.id, false); derr != nil {
		return 0, 0, time.Time{}, derr
	}

	if p.rootfsMounted {
		if uerr := UnmountAll(filepath.Join(p.bundle, "rootfs")); uerr != nil {
			return 0, 0, time.Time{}, fmt.Errorf("%w: umount rootfs: %v", errdefs.ErrFailedPrecondition, uerr)
		}
	}

	if p.copier != nil {
		p.copier.Close()
	}
	status, exitedAt, _ = p.latch.Peek()
	pid = p.pid
	p.state = next
	return pid, status, exitedAt, nil
}

// SetExited applies §4.4's exit-application rule. Called by the reaper
// without the container-map lock held; the inner mutex here is what makes
// the status write and latch release atomic (§5).
func (p *Init) SetExited(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Stopped || p.state == Deleted {
		return
	}
	// §9 open question resolved: state and the exit latch flip together
	// under p.mu, so a Paused reader never observes a fired latch before
	// state becomes Stopped — "paused but dead" is unobservable regardless
	// of which state SetExited was called from.
	p.state = Stopped
	now := time.Now()
	p.latch.Fire(status, now)
}

// ExitStatus returns the recorded exit pair if Fire has already happened.
func (p *Init) ExitStatus() (int, time.Time, bool) {
	return p.latch.Peek()
}

// Wait blocks on the exit latch. Callers must not hold the container-map
// lock while calling this (§4.4/§5); they should clone the *ExitLatch
// pointer (via Latch()) before releasing that lock, per §9's Open
// Question about the wait/delete race.
func (p *Init) Wait() (int, time.Time) {
	return p.latch.Wait()
}

// Latch exposes the owning handle so callers (pkg/task) can release the
// container-map lock before blocking without risking the Init being
// deleted and its latch GC'd out from under them.
func (p *Init) Latch() *ExitLatch {
	return p.latch
}
