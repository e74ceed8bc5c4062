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

// Package task implements spec component F: the RPC task service exposed
// over ttrpc, a single mutex guarding the container map, and the
// lock-acquire/delegate/release pattern named in §4.6 — grounded on the
// teacher's (zkoopmans-gvisor) pkg/shim/v1/runsc/service.go for the
// per-container OOM-poller wiring and event-forwarding idiom, and on
// original_source's multi-container task.rs (common.rs/task.rs) for the
// container-map shape itself.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/cgroups"
	cgroupsv2 "github.com/containerd/cgroups/v2"
	"github.com/containerd/console"
	"github.com/containerd/containerd/api/events"
	apitypes "github.com/containerd/containerd/api/types"
	taskapi "github.com/containerd/containerd/api/types/task"
	taskAPI "github.com/containerd/containerd/runtime/v2/task"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	typeurl "github.com/containerd/typeurl/v2"
	gogotypes "github.com/gogo/protobuf/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ningmingxiao/rshim/pkg/options"
	"github.com/ningmingxiao/rshim/pkg/process"
	"github.com/ningmingxiao/rshim/pkg/publisher"
	"github.com/ningmingxiao/rshim/pkg/reaper"
	"github.com/ningmingxiao/rshim/pkg/runtime"
)

var empty = &gogotypes.Empty{}

// Service implements taskAPI.TaskService (§4.6/§6).
type Service struct {
	mu         sync.Mutex
	containers map[string]*container

	namespace string
	rt        *runtime.Adapter
	publisher *publisher.Publisher
	reaper    *reaper.Reaper

	ioUID, ioGID int

	shutdownOnce sync.Once
	exitCh       chan struct{}
}

// New constructs the Service and its Reaper; the caller starts the Reaper
// (via Reaper().Start) before serving requests.
func New(namespace string, rt *runtime.Adapter, pub *publisher.Publisher, ioUID, ioGID int) *Service {
	svc := &Service{
		containers: make(map[string]*container),
		namespace:  namespace,
		rt:         rt,
		publisher:  pub,
		ioUID:      ioUID,
		ioGID:      ioGID,
		exitCh:     make(chan struct{}),
	}
	svc.reaper = reaper.New(svc.lookupByPid, pub)
	return svc
}

// Reaper exposes the wired Reaper so main can Start/Stop it and register
// the subreaper at process startup (§4.5).
func (s *Service) Reaper() *reaper.Reaper { return s.reaper }

// Done is closed exactly once, when Shutdown succeeds (§4.6).
func (s *Service) Done() <-chan struct{} { return s.exitCh }

func (s *Service) lookupByPid(pid int) (process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.containers {
		if c.init.Pid() == pid {
			return c.init, true
		}
		c.mu.Lock()
		for _, e := range c.execs {
			if e.Pid() == pid {
				c.mu.Unlock()
				return e, true
			}
		}
		c.mu.Unlock()
	}
	return nil, false
}

func (s *Service) getContainer(id string) (*container, error) {
	c, ok := s.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", errdefs.ErrNotFound, id)
	}
	return c, nil
}

// State implements §4.6's state RPC.
func (s *Service) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	proc, err := c.process(r.ExecID)
	if err != nil {
		return nil, err
	}

	resp := &taskAPI.StateResponse{
		ID:     proc.ID(),
		Bundle: c.bundle,
		Pid:    uint32(proc.Pid()),
	}
	if status, exitedAt, ok := proc.ExitStatus(); ok {
		resp.ExitStatus = uint32(status)
		resp.ExitedAt = exitedAt
	}
	if r.ExecID == "" {
		resp.Status = initStatusToTask(c.init.State())
		stdio := c.init.Stdio()
		resp.Stdin, resp.Stdout, resp.Stderr, resp.Terminal = stdio.Stdin, stdio.Stdout, stdio.Stderr, stdio.Terminal
	} else {
		e := proc.(*process.Exec)
		resp.Status = execStatusToTask(e.State())
	}
	return resp, nil
}

func initStatusToTask(s process.InitState) taskapi.Status {
	switch s {
	case process.Created, process.CreatedCheckpoint:
		return taskapi.StatusCreated
	case process.Running:
		return taskapi.StatusRunning
	case process.Paused:
		return taskapi.StatusPaused
	case process.Stopped, process.Deleted:
		return taskapi.StatusStopped
	default:
		return taskapi.StatusUnknown
	}
}

func execStatusToTask(s process.ExecState) taskapi.Status {
	switch s {
	case process.ExecCreated:
		return taskapi.StatusCreated
	case process.ExecRunning:
		return taskapi.StatusRunning
	case process.ExecStopped, process.ExecDeleted:
		return taskapi.StatusStopped
	default:
		return taskapi.StatusUnknown
	}
}

// Create implements §4.6's create RPC: mounts rootfs entries under
// <bundle>/rootfs in order, stopping and cleaning up on first failure,
// constructs an Init, publishes TaskCreate.
func (s *Service) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (*taskAPI.CreateTaskResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.containers[r.ID]; exists {
		return nil, fmt.Errorf("%w: container %s", errdefs.ErrAlreadyExists, r.ID)
	}

	var optsAny typeurl.Any
	if r.Options != nil {
		optsAny = r.Options
	}
	opts, err := options.UnmarshalAny(optsAny)
	if err != nil {
		return nil, err
	}
	ioUID, ioGID := s.ioUID, s.ioGID
	if opts.IoUID != 0 {
		ioUID = int(opts.IoUID)
	}
	if opts.IoGID != 0 {
		ioGID = int(opts.IoGID)
	}

	rootfsDir := filepath.Join(r.Bundle, "rootfs")
	mounted, err := mountAll(rootfsDir, r.Rootfs)
	if err != nil {
		return nil, fmt.Errorf("%w: mount rootfs: %v", errdefs.ErrInvalidArgument, err)
	}

	init := process.NewInit(r.ID, r.ID, r.Bundle, s.rt)
	if cerr := init.Create(ctx, process.CreateConfig{
		Stdio: process.Stdio{
			Stdin:    r.Stdin,
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Terminal: r.Terminal,
		},
		IoUID:        ioUID,
		IoGID:        ioGID,
		NoPivot:      opts.NoPivotRoot,
		NoNewKeyring: opts.NoNewKeyring,
	}); cerr != nil {
		if mounted {
			unmountBestEffort(rootfsDir)
		}
		return nil, cerr
	}
	init.SetRootfsMounted(mounted)

	s.containers[r.ID] = newContainer(r.ID, r.Bundle, init)

	s.emit(ctx, "/tasks/create", &events.TaskCreate{
		ContainerID: r.ID,
		Bundle:      r.Bundle,
		Rootfs:      r.Rootfs,
		IO: &events.TaskIO{
			Stdin:    r.Stdin,
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Terminal: r.Terminal,
		},
		Checkpoint: r.Checkpoint,
		Pid:        uint32(init.Pid()),
	})

	return &taskAPI.CreateTaskResponse{Pid: uint32(init.Pid())}, nil
}

// mountAll mounts each supplied mount in order under target, stopping on
// first failure and unmounting whatever earlier entries it mounted. Empty rootfs list succeeds
// without mounting anything (§8 boundary behavior).
func mountAll(target string, mounts []*apitypes.Mount) (bool, error) {
	if len(mounts) == 0 {
		return false, nil
	}
	if err := os.MkdirAll(target, 0o711); err != nil {
		return false, err
	}
	for i, m := range mounts {
		if err := mountOne(target, m); err != nil {
			if i > 0 {
				unmountBestEffort(target)
			}
			return false, err
		}
	}
	return true, nil
}

// unmountBestEffort cleans up a rootfs mount assembled partway through a
// failed create; failures here are logged, not returned, since the caller
// is already unwinding a different error.
func unmountBestEffort(target string) {
	if err := process.UnmountAll(target); err != nil {
		log.L.WithError(err).WithField("target", target).Debug("cleanup unmount failed")
	}
}

// Start implements §4.6's start RPC, registering the OOM monitor on an
// init start (grounded on the teacher's register_oom_event/run_oom_monitor
// wiring in pkg/shim/v1/runsc/service.go and common.rs/task.rs).
func (s *Service) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}

	if r.ExecID == "" {
		if serr := c.init.Start(ctx); serr != nil {
			return nil, serr
		}
		s.startOOMMonitor(ctx, c)
		s.emit(ctx, "/tasks/start", &events.TaskStart{ContainerID: r.ID, Pid: uint32(c.init.Pid())})
		return &taskAPI.StartResponse{Pid: uint32(c.init.Pid())}, nil
	}

	e, ok := c.getExec(r.ExecID)
	if !ok {
		return nil, fmt.Errorf("%w: exec %s", errdefs.ErrNotFound, r.ExecID)
	}
	if serr := e.Start(ctx, s.ioUID, s.ioGID); serr != nil {
		return nil, serr
	}
	s.emit(ctx, "/tasks/exec-started", &events.TaskExecStarted{
		ContainerID: r.ID, ExecID: r.ExecID, Pid: uint32(e.Pid()),
	})
	return &taskAPI.StartResponse{Pid: uint32(e.Pid())}, nil
}

// startOOMMonitor registers the init's pid's memory cgroup for OOM events,
// publishing TaskOOM on each notification (§4.6 "start"). Registration
// failures are logged, not fatal: the container still runs without an OOM
// feed, which is strictly better than failing the start.
func (s *Service) startOOMMonitor(ctx context.Context, c *container) {
	pid := c.init.Pid()
	if pid == 0 {
		return
	}
	if cgroups.Mode() == cgroups.Unified {
		mgr, err := cgroupsv2.PidGroupPath(pid)
		if err != nil {
			log.G(ctx).WithError(err).Debug("resolve cgroup2 path for OOM monitor")
			return
		}
		group, err := cgroupsv2.LoadManager("/sys/fs/cgroup", mgr)
		if err != nil {
			log.G(ctx).WithError(err).Debug("load cgroup2 manager for OOM monitor")
			return
		}
		evCh, errCh := group.EventChan()
		go func() {
			for {
				select {
				case e, ok := <-evCh:
					if !ok {
						return
					}
					if e.OOM > 0 {
						s.emit(ctx, "/tasks/oom", &events.TaskOOM{ContainerID: c.id})
					}
				case err, ok := <-errCh:
					if !ok {
						return
					}
					log.G(ctx).WithError(err).Debug("cgroup2 OOM event stream error")
					return
				}
			}
		}()
		return
	}

	cg, err := cgroups.Load(cgroups.V1, cgroups.PidPath(pid))
	if err != nil {
		log.G(ctx).WithError(err).Debug("load cgroup1 for OOM monitor")
		return
	}
	fd, err := cg.OOMEventFD()
	if err != nil {
		log.G(ctx).WithError(err).Debug("get OOM eventfd for cgroup1 monitor")
		return
	}
	go watchOOMEventFD(ctx, fd, func() {
		s.emit(ctx, "/tasks/oom", &events.TaskOOM{ContainerID: c.id})
	})
}

// watchOOMEventFD reads the 8-byte eventfd counter cgroup v1 writes on each
// OOM notification, invoking onOOM once per read until the fd is closed
// (the shim exiting or the cgroup being removed).
func watchOOMEventFD(ctx context.Context, fd uintptr, onOOM func()) {
	f := os.NewFile(fd, "oom-eventfd")
	defer f.Close()
	buf := make([]byte, 8)
	for {
		if _, err := f.Read(buf); err != nil {
			return
		}
		onOOM()
	}
}

// Delete implements §4.6's delete RPC: if exec_id is empty, removes the
// init entry (and the container) on success; otherwise removes just the
// exec.
func (s *Service) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}

	if r.ExecID == "" {
		if !c.allExecsDeleted() {
			return nil, fmt.Errorf("%w: execs remain for container %s", errdefs.ErrFailedPrecondition, r.ID)
		}
		pid, status, exitedAt, derr := c.init.Delete(ctx)
		if derr != nil {
			return nil, derr
		}
		delete(s.containers, r.ID)
		s.emit(ctx, "/tasks/delete", &events.TaskDelete{
			ContainerID: r.ID, Pid: uint32(pid), ExitStatus: uint32(status), ExitedAt: exitedAt,
		})
		return &taskAPI.DeleteResponse{Pid: uint32(pid), ExitStatus: uint32(status), ExitedAt: exitedAt}, nil
	}

	e, ok := c.getExec(r.ExecID)
	if !ok {
		return nil, fmt.Errorf("%w: exec %s", errdefs.ErrNotFound, r.ExecID)
	}
	pid, status, exitedAt, derr := e.Delete(ctx)
	if derr != nil {
		return nil, derr
	}
	c.removeExec(r.ExecID)
	s.emit(ctx, "/tasks/delete", &events.TaskDelete{
		ContainerID: r.ID, ID: r.ExecID, Pid: uint32(pid), ExitStatus: uint32(status), ExitedAt: exitedAt,
	})
	return &taskAPI.DeleteResponse{Pid: uint32(pid), ExitStatus: uint32(status), ExitedAt: exitedAt}, nil
}

// Kill implements §4.6's kill RPC.
func (s *Service) Kill(ctx context.Context, r *taskAPI.KillRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	if r.ExecID == "" {
		return empty, c.init.Kill(ctx, int(r.Signal), r.All)
	}
	e, ok := c.getExec(r.ExecID)
	if !ok {
		return nil, fmt.Errorf("%w: exec %s", errdefs.ErrNotFound, r.ExecID)
	}
	return empty, e.Kill(ctx, int(r.Signal), r.All)
}

// Exec implements §4.6's exec RPC.
func (s *Service) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}

	var spec specs.Process
	if r.Spec != nil {
		if uerr := jsonUnmarshalAny(r.Spec, &spec); uerr != nil {
			return nil, fmt.Errorf("%w: decode process spec: %v", errdefs.ErrInvalidArgument, uerr)
		}
	}
	spec.Terminal = r.Terminal

	e := process.NewExec(r.ExecID, r.ID, c.init.ID(), c.bundle, spec, process.Stdio{
		Stdin: r.Stdin, Stdout: r.Stdout, Stderr: r.Stderr, Terminal: r.Terminal,
	}, s.rt)
	if aerr := c.addExec(e); aerr != nil {
		return nil, aerr
	}

	s.emit(ctx, "/tasks/exec-added", &events.TaskExecAdded{ContainerID: r.ID, ExecID: r.ExecID})
	return empty, nil
}

// ResizePty implements §4.6's resize_pty RPC.
func (s *Service) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	ws := console.WinSize{Width: uint16(r.Width), Height: uint16(r.Height)}
	if r.ExecID == "" {
		return empty, c.init.Resize(ws)
	}
	e, ok := c.getExec(r.ExecID)
	if !ok {
		return nil, fmt.Errorf("%w: exec %s", errdefs.ErrNotFound, r.ExecID)
	}
	return empty, e.Resize(ws)
}

// CloseIO implements §4.6's close_io RPC, idempotent (§8).
func (s *Service) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getContainer(r.ID)
	if err != nil {
		return empty, nil // missing process: silently ignored (original_source shim_service.rs close_io)
	}
	if r.ExecID == "" {
		return empty, c.init.CloseIO()
	}
	if e, ok := c.getExec(r.ExecID); ok {
		return empty, e.CloseIO()
	}
	return empty, nil
}

// Pids implements §4.6's pids RPC via the Runtime Adapter's ps.
func (s *Service) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	s.mu.Lock()
	c, err := s.getContainer(r.ID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pids, perr := c.init.Ps(ctx)
	if perr != nil {
		return nil, perr
	}
	resp := &taskAPI.PidsResponse{}
	for _, pid := range pids {
		resp.Processes = append(resp.Processes, &taskapi.ProcessInfo{Pid: uint32(pid)})
	}
	return resp, nil
}

// Pause/Resume implement §4.6's pause/resume RPCs.
func (s *Service) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	return empty, c.init.Pause(ctx)
}

func (s *Service) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	return empty, c.init.Resume(ctx)
}

// Checkpoint is a stub: checkpoint/restore is an explicit Non-goal (§1),
// surfaced only as an error-returning stub.
func (s *Service) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*gogotypes.Empty, error) {
	return nil, fmt.Errorf("%w: checkpoint not supported", errdefs.ErrNotImplemented)
}

// Update implements §4.6's update RPC.
func (s *Service) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getContainer(r.ID)
	if err != nil {
		return nil, err
	}
	var resources specs.LinuxResources
	if r.Resources != nil {
		if uerr := jsonUnmarshalAny(r.Resources, &resources); uerr != nil {
			return nil, fmt.Errorf("%w: decode resources: %v", errdefs.ErrInvalidArgument, uerr)
		}
	}
	return empty, c.init.Update(ctx, func() error {
		return s.rt.Update(ctx, r.ID, &resources)
	})
}

// Wait implements §4.6's wait RPC: returns immediately if already exited;
// otherwise keeps the Process handle (which owns the exit latch), releases
// the map lock, blocks, then re-acquires only to read the exit info (§4.6,
// §9 Open Question about outliving the map entry — holding the handle
// before unlocking means a concurrent delete can safely drop the map
// entry without invalidating this wait).
func (s *Service) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	s.mu.Lock()
	c, err := s.getContainer(r.ID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	proc, err := c.process(r.ExecID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if status, exitedAt, ok := proc.ExitStatus(); ok {
		s.mu.Unlock()
		return &taskAPI.WaitResponse{ExitStatus: uint32(status), ExitedAt: exitedAt}, nil
	}
	s.mu.Unlock()

	proc.Wait()
	s.mu.Lock()
	status, exitedAt, _ := proc.ExitStatus()
	s.mu.Unlock()
	return &taskAPI.WaitResponse{ExitStatus: uint32(status), ExitedAt: exitedAt}, nil
}

// Stats implements §4.6's stats RPC via the Runtime Adapter's real
// stats(id) call (§4.1): the decoded runc.Stats is JSON-encoded into the
// response's Any, carrying a custom type URL rather than a registered
// protobuf message since runc.Stats is a plain go-runc struct, not a
// generated type. A MissingStats payload propagates as-is.
func (s *Service) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	s.mu.Lock()
	c, err := s.getContainer(r.ID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st, serr := s.rt.Stats(ctx, c.id)
	if serr != nil {
		return nil, serr
	}
	data, merr := json.Marshal(st)
	if merr != nil {
		return nil, merr
	}
	return &taskAPI.StatsResponse{Stats: &gogotypes.Any{
		TypeUrl: "types.containerd.io/runc.Stats",
		Value:   data,
	}}, nil
}

// Connect implements the supplemented Connect RPC (SPEC_FULL.md §3).
func (s *Service) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	s.mu.Lock()
	c, err := s.getContainer(r.ID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &taskAPI.ConnectResponse{
		ShimPid: uint32(os.Getpid()),
		TaskPid: uint32(c.init.Pid()),
	}, nil
}

// Shutdown implements §4.6's shutdown RPC: exits only when the container
// map is empty; the exit signal fires exactly once (§8 "Double shutdown").
func (s *Service) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*gogotypes.Empty, error) {
	s.mu.Lock()
	idle := len(s.containers) == 0
	s.mu.Unlock()

	if idle {
		s.shutdownOnce.Do(func() {
			close(s.exitCh)
		})
	}
	return empty, nil
}

func (s *Service) emit(ctx context.Context, topic string, ev interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, ev); err != nil {
		log.G(ctx).WithError(err).WithField("topic", topic).Debug("publish failed")
	}
}

func jsonUnmarshalAny(a *gogotypes.Any, v interface{}) error {
	return jsonUnmarshal(a.Value, v)
}
