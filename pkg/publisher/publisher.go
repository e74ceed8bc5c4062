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

// Package publisher implements spec component G: packs a typed event into
// a generic envelope and hands it to an external publish mechanism.
// Grounded on original_source/runtime/v1/rshim/src/reaper.rs's Publisher,
// which execs the orchestrator binary's own "publish" subcommand and
// writes a packed protobuf Any to its stdin — the same out-of-band path
// containerd shims use so that publishing never depends on the RPC
// connection the event itself might be reporting the death of.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	typeurl "github.com/containerd/typeurl/v2"
	gogotypes "github.com/gogo/protobuf/types"
)

// Publisher execs containerdBinary with --address/--namespace/--topic and
// writes the packed event to its stdin. Failures are the caller's to log;
// §4.7/§7 both say "failure to publish is logged and does not affect the
// RPC result".
type Publisher struct {
	ContainerdBinary string
	Address          string
	Namespace        string
}

// New constructs a Publisher. containerdBinary defaults to "containerd" to
// match the CLI surface's -containerd-binary flag default (§6).
func New(containerdBinary, address, namespace string) *Publisher {
	if containerdBinary == "" {
		containerdBinary = "containerd"
	}
	return &Publisher{ContainerdBinary: containerdBinary, Address: address, Namespace: namespace}
}

// Publish packs event into a typeurl.Any and pipes it to `containerd
// publish`.
func (p *Publisher) Publish(ctx context.Context, topic string, event interface{}) error {
	any, err := typeurl.MarshalAny(event)
	if err != nil {
		return fmt.Errorf("pack event for topic %s: %w", topic, err)
	}

	cmd := exec.CommandContext(ctx, p.ContainerdBinary,
		"--address", p.Address,
		"publish",
		"--topic", topic,
		"--namespace", p.Namespace,
	)
	payload, err := (&gogotypes.Any{TypeUrl: any.GetTypeUrl(), Value: any.GetValue()}).Marshal()
	if err != nil {
		return fmt.Errorf("encode event for topic %s: %w", topic, err)
	}
	cmd.Stdin = bytes.NewReader(payload)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("exec %s publish --topic %s: %w", p.ContainerdBinary, topic, err)
	}
	return nil
}
