// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ps

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sidekick/internal/commands/shared"
	"github.com/tombee/sidekick/internal/discovery"
)

type fakeFinder struct {
	byImage map[string][]discovery.Process
	err     error
	queried []string
}

func (f *fakeFinder) Find(_ context.Context, image string) ([]discovery.Process, error) {
	f.queried = append(f.queried, image)
	if f.err != nil {
		return nil, f.err
	}
	return f.byImage[image], nil
}

func run(t *testing.T, finder *fakeFinder, jsonOut bool, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("placement:\n  process_name: placement-dev\n"), 0o600))
	defer shared.SetFlagsForTest(false, jsonOut, path)()

	cmd := newCommand(func(*slog.Logger) discovery.Finder { return finder })
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	cmd.SetContext(context.Background())

	err := cmd.Execute()
	return out.String(), err
}

func daprdProcess() discovery.Process {
	return discovery.Process{
		PID:     1234,
		Name:    "daprd",
		Cmdline: []string{"/home/me/.dapr/bin/daprd", "--app-id", "orders", "--dapr-http-port", "3600"},
	}
}

func TestPSAllKinds(t *testing.T) {
	finder := &fakeFinder{byImage: map[string][]discovery.Process{
		"daprd": {daprdProcess()},
	}}

	out, err := run(t, finder, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"daprd", "placement-dev", "scheduler", "sentry"}, finder.queried)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "1234")
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "dapr-http-port=3600")
	assert.Contains(t, out, "dapr-grpc-port=50001")
}

func TestPSSingleKindJSON(t *testing.T) {
	finder := &fakeFinder{byImage: map[string][]discovery.Process{
		"daprd": {daprdProcess()},
	}}

	out, err := run(t, finder, true, "daprd")
	require.NoError(t, err)
	assert.Equal(t, []string{"daprd"}, finder.queried)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Processes, 1)

	p := resp.Processes[0]
	assert.Equal(t, "daprd", p.Kind)
	assert.Equal(t, "orders", p.Identity)
	assert.Equal(t, 1234, p.Process.PID)
	require.NotEmpty(t, p.Ports)
	assert.Equal(t, 3600, p.Ports[0].Port)
}

func TestPSNoProcesses(t *testing.T) {
	out, err := run(t, &fakeFinder{}, false, "sentry")
	require.NoError(t, err)
	assert.Contains(t, out, "no dapr processes found")
}

func TestPSEmptyJSON(t *testing.T) {
	out, err := run(t, &fakeFinder{}, true)
	require.NoError(t, err)
	assert.Contains(t, out, `"processes": []`)
}

func TestPSUnknownKind(t *testing.T) {
	_, err := run(t, &fakeFinder{}, false, "dashboard")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestPSDiscoveryError(t *testing.T) {
	_, err := run(t, &fakeFinder{err: errors.New("permission denied")}, false, "daprd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovering daprd processes")
}
