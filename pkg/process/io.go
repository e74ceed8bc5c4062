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

// Package process implements spec components B (I/O Setup), C (I/O
// Copier) and D (Process Objects), grounded on original_source's
// io_linux.rs/console.rs/process.rs and on the newer common.rs scheme
// dispatch (create_io/set_io), with FD ownership following the teacher's
// (zkoopmans-gvisor) use of github.com/containerd/go-runc's IO and
// ConsoleSocket types for the same purpose.
package process

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/containerd/errdefs"
	runc "github.com/containerd/go-runc"
)

// Scheme identifies the I/O wiring mode chosen in §4.2.
type Scheme string

const (
	SchemeNull   Scheme = "null"
	SchemeFifo   Scheme = "fifo"
	SchemeBinary Scheme = "binary"
)

// IO is the outcome of §4.2's scheme dispatch: the go-runc.IO handed to the
// Runtime Adapter for the subprocess's own stdio, plus enough bookkeeping
// for the Copier (C) to bridge the shim-facing ends to the orchestrator's
// fifo paths.
type IO struct {
	Scheme Scheme
	Runc   runc.IO
	// Paths are the bare orchestrator-facing paths (no scheme prefix),
	// recorded regardless of whether the caller supplied one explicitly
	// (§8 "Scheme parsing" round-trip property).
	Stdin, Stdout, Stderr string
	// Copy is true when copier goroutines must be spawned (pipe scheme);
	// false for null (nothing to copy) and binary (the helper owns it).
	Copy bool
}

// SetupIO implements §4.2: decide null vs fifo/file vs binary from the
// stdio 4-tuple, returning the go-runc IO to hand to create/exec.
func SetupIO(id string, uid, gid int, stdio Stdio) (*IO, error) {
	if stdio.IsNull() {
		nio, err := runc.NewNullIO()
		if err != nil {
			return nil, err
		}
		return &IO{Scheme: SchemeNull, Runc: nio}, nil
	}

	scheme, _ := parseScheme(stdio.Stdout)
	switch scheme {
	case "", "fifo", "file":
		opts := pipeOpts(stdio)
		pio, err := runc.NewPipeIO(uid, gid, opts...)
		if err != nil {
			return nil, err
		}
		stdinPath, _ := schemePath(stdio.Stdin)
		stdoutPath, _ := schemePath(stdio.Stdout)
		stderrPath, _ := schemePath(stdio.Stderr)
		return &IO{
			Scheme: SchemeFifo,
			Runc:   pio,
			Stdin:  stdinPath,
			Stdout: stdoutPath,
			Stderr: stderrPath,
			Copy:   true,
		}, nil
	case "binary":
		path, err := schemePath(stdio.Stdout)
		if err != nil {
			return nil, err
		}
		bio, err := runc.NewBinaryIO(context.Background(), id, &url.URL{Scheme: "binary", Path: path})
		if err != nil {
			return nil, err
		}
		return &IO{Scheme: SchemeBinary, Runc: bio}, nil
	default:
		return nil, fmt.Errorf("%w: unknown io scheme %q", errdefs.ErrInvalidArgument, scheme)
	}
}

func pipeOpts(stdio Stdio) []runc.IOOpt {
	var opts []runc.IOOpt
	if stdio.Stdin != "" {
		opts = append(opts, runc.WithStdin)
	}
	if stdio.Stdout != "" {
		opts = append(opts, runc.WithStdout)
	}
	if stdio.Stderr != "" {
		opts = append(opts, runc.WithStderr)
	}
	return opts
}

// parseScheme implements common.rs's scheme_path split: no "://" means no
// scheme (defaults to fifo), matching §4.2/§8's "equivalent wiring" rule.
func parseScheme(uri string) (scheme, rest string) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) <= 1 {
		return "", uri
	}
	return parts[0], parts[1]
}

// schemePath extracts the bare path regardless of whether a scheme prefix
// was present: url.Parse's .Path for an explicit scheme, the verbatim
// string otherwise — the §8 round-trip invariant ("create_io(\"fifo://<p>\")
// and create_io(\"<p>\") yield equivalent wiring where the stored path is
// exactly <p>").
func schemePath(uri string) (string, error) {
	if uri == "" {
		return "", nil
	}
	scheme, _ := parseScheme(uri)
	if scheme == "" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}
