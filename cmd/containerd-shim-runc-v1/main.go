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

// Command containerd-shim-runc-v1 is the CLI entrypoint: flag parsing,
// subreaper registration, ttrpc server bring-up, and panic-to-file wiring
// (§6). Grounded directly on original_source/runtime/v1/rshim/src/main.go's
// flag set and create_server's inherited-fd-vs-bind-path branch, translated
// to Go's flag package and containerd/ttrpc the way the rest of this module
// uses the ecosystem in place of the original's hand-rolled pieces.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	taskAPI "github.com/containerd/containerd/runtime/v2/task"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"

	"github.com/ningmingxiao/rshim/pkg/options"
	"github.com/ningmingxiao/rshim/pkg/publisher"
	"github.com/ningmingxiao/rshim/pkg/reaper"
	"github.com/ningmingxiao/rshim/pkg/runtime"
	"github.com/ningmingxiao/rshim/pkg/shimlog"
	"github.com/ningmingxiao/rshim/pkg/task"
)

func main() {
	var (
		namespace        = flag.String("namespace", "", "namespace that owns the shim")
		workdir          = flag.String("workdir", "", "path used to store large temporary data")
		address          = flag.String("address", "", "grpc address back to main containerd")
		containerdBinary = flag.String("containerd-binary", "containerd", "path to containerd binary (used for containerd publish)")
		criuPath         = flag.String("criu-path", "", "path to criu binary")
		runtimeRoot      = flag.String("runtime-root", "/run/containerd/runc", "root directory for the runtime")
		socketPath       = flag.String("socket", "", "socket path to serve; inherited fd 3 is used when empty")
		systemdCgroup    = flag.Bool("systemd-cgroup", false, "set runtime to use systemd-cgroup")
		debug            = flag.Bool("debug", false, "enable debug output in logs")
	)
	flag.Parse()

	shimlog.Setup(*debug)
	defer shimlog.RecoverAndExit(*workdir)

	ctx := log.WithLogger(context.Background(), log.L)
	log.G(ctx).WithFields(map[string]interface{}{
		"namespace":      *namespace,
		"workdir":        *workdir,
		"address":        *address,
		"runtime-root":   *runtimeRoot,
		"systemd-cgroup": *systemdCgroup,
	}).Info("starting shim")

	if err := run(ctx, runConfig{
		namespace:        *namespace,
		workdir:          *workdir,
		address:          *address,
		containerdBinary: *containerdBinary,
		criuPath:         *criuPath,
		runtimeRoot:      *runtimeRoot,
		socketPath:       *socketPath,
		systemdCgroup:    *systemdCgroup,
		debug:            *debug,
	}); err != nil {
		log.G(ctx).WithError(err).Fatal("shim exited with error")
	}
}

type runConfig struct {
	namespace        string
	workdir          string
	address          string
	containerdBinary string
	criuPath         string
	runtimeRoot      string
	socketPath       string
	systemdCgroup    bool
	debug            bool
}

func run(ctx context.Context, cfg runConfig) error {
	if err := reaper.Subreaper(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to set child subreaper")
	}

	engineCfg, err := options.LoadEngineConfig(cfg.runtimeRoot)
	if err != nil {
		log.G(ctx).WithError(err).Debug("no engine config.toml, using defaults")
	}
	runtimeBin := "runc"
	if engineCfg.RuntimeType != "" {
		runtimeBin = engineCfg.RuntimeType
	}

	exits := reaper.NewTable()
	adapter := runtime.New(runtime.Config{
		Binary:        runtimeBin,
		Root:          cfg.runtimeRoot,
		Namespace:     cfg.namespace,
		SystemdCgroup: cfg.systemdCgroup,
		Debug:         cfg.debug,
	}, exits)

	pub := publisher.New(cfg.containerdBinary, cfg.address, cfg.namespace)

	svc := task.New(cfg.namespace, adapter, pub, 0, 0)
	svc.Reaper().Table = exits
	svc.Reaper().Start(ctx)
	defer svc.Reaper().Stop()

	server, err := ttrpc.NewServer()
	if err != nil {
		return fmt.Errorf("new ttrpc server: %w", err)
	}
	taskAPI.RegisterTaskService(server, svc)

	listener, err := bindListener(cfg.socketPath)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	defer listener.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, listener)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-svc.Done():
		return server.Shutdown(ctx)
	}
}

// bindListener implements §6's socket surface: an empty path means the
// listening socket was already bound by the parent and passed as fd 3
// (the supplemented inherited-fd mode); otherwise a fresh unix socket is
// bound at path, rejecting paths that would overflow sun_path (106 bytes,
// matching the Rust original's create_server).
func bindListener(path string) (net.Listener, error) {
	if path == "" {
		f := os.NewFile(3, "shim-socket")
		l, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("listen on inherited fd 3: %w", err)
		}
		return l, nil
	}
	if len(path) > 106 {
		return nil, fmt.Errorf("%s: unix socket path too long (> 106)", path)
	}
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return l, nil
}
