package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kanzifucius/svc-tracker/pkg/store"
)

// ---------------------------------------------------------------------------
// Mock Docker client
// ---------------------------------------------------------------------------

type execResult struct {
	stdout   string
	exitCode int
}

type mockDocker struct {
	t          *testing.T
	containers []container.Summary
	stats      map[string]container.StatsResponse
	execs      map[string]execResult // keyed by container ID
	hang       map[string]bool       // attach never produces output
	listErr    error

	lastList container.ListOptions
	execCmds map[string][]string
}

func newMockDocker(t *testing.T) *mockDocker {
	return &mockDocker{
		t:        t,
		stats:    make(map[string]container.StatsResponse),
		execs:    make(map[string]execResult),
		hang:     make(map[string]bool),
		execCmds: make(map[string][]string),
	}
}

func (m *mockDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	m.lastList = opts
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.containers, nil
}

func (m *mockDocker) ContainerStats(_ context.Context, id string, _ bool) (container.StatsResponseReader, error) {
	s, ok := m.stats[id]
	if !ok {
		return container.StatsResponseReader{}, errors.New("no such container")
	}
	body, err := json.Marshal(s)
	if err != nil {
		m.t.Fatalf("marshal stats: %v", err)
	}
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *mockDocker) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	if _, ok := m.execs[id]; !ok {
		return container.ExecCreateResponse{}, errors.New("container not running")
	}
	m.execCmds[id] = opts.Cmd
	return container.ExecCreateResponse{ID: "exec-" + id}, nil
}

func (m *mockDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	id := strings.TrimPrefix(execID, "exec-")
	res := m.execs[id]

	if m.hang[id] {
		local, remote := net.Pipe()
		m.t.Cleanup(func() { _ = remote.Close() })
		return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(local)}, nil
	}

	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(res.stdout)); err != nil {
		m.t.Fatalf("write stdout frame: %v", err)
	}
	local, remote := net.Pipe()
	m.t.Cleanup(func() { _ = remote.Close() })
	return types.HijackedResponse{Conn: local, Reader: bufio.NewReader(&buf)}, nil
}

func (m *mockDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	res := m.execs[strings.TrimPrefix(execID, "exec-")]
	return container.ExecInspect{ExecID: execID, ExitCode: res.exitCode}, nil
}

func statsSample(cpuTotal, preCPUTotal, system, preSystem uint64, mem, inactive uint64) container.StatsResponse {
	return container.StatsResponse{
		CPUStats: container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: cpuTotal},
			SystemUsage: system,
			OnlineCPUs:  2,
		},
		PreCPUStats: container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: preCPUTotal},
			SystemUsage: preSystem,
		},
		MemoryStats: container.MemoryStats{
			Usage: mem,
			Stats: map[string]uint64{"inactive_file": inactive},
		},
	}
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func TestUsageSource_SumsPerTask(t *testing.T) {
	m := newMockDocker(t)
	m.containers = []container.Summary{
		{ID: "c1", Labels: map[string]string{LabelECSTaskARN: "arn:task/1"}},
		{ID: "c2", Labels: map[string]string{LabelECSTaskARN: "arn:task/1"}},
		{ID: "c3", Labels: map[string]string{LabelPodNamespace: "team-a", LabelPodName: "api-1"}},
		{ID: "c4", Labels: map[string]string{"unrelated": "x"}},
		{ID: "c5", Labels: map[string]string{LabelECSTaskARN: "arn:task/gone"}}, // no stats
	}
	m.stats["c1"] = statsSample(400, 200, 2000, 1000, 1000, 200)
	m.stats["c2"] = statsSample(300, 200, 2000, 1000, 500, 0)
	m.stats["c3"] = statsSample(100, 100, 2000, 1000, 64, 0)

	usage, err := NewUsageSource(m).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("expected usage for 2 tasks, got %d: %v", len(usage), usage)
	}

	task1 := usage["arn:task/1"]
	// c1: 200/1000*2 = 0.4 cores, c2: 100/1000*2 = 0.2 cores.
	if math.Abs(task1.CPUCores-0.6) > 1e-9 {
		t.Errorf("cpu = %v, want 0.6", task1.CPUCores)
	}
	if task1.MemoryBytes != 1300 {
		t.Errorf("memory = %v, want 1300", task1.MemoryBytes)
	}

	pod := usage["team-a/api-1"]
	if pod.CPUCores != 0 || pod.MemoryBytes != 64 {
		t.Errorf("unexpected pod usage: %+v", pod)
	}
}

func TestUsageSource_ListError(t *testing.T) {
	m := newMockDocker(t)
	m.listErr = errors.New("daemon down")
	if _, err := NewUsageSource(m).Collect(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestMergeUsage(t *testing.T) {
	clusters := []store.ClusterResult{{
		Cluster: store.ClusterRef{ID: "c", Name: "c"},
		OK:      true,
		Services: []store.ServiceObservation{{
			Service: store.ServiceRef{ID: "s", Name: "s"},
			Tasks:   []store.TaskObservation{{ID: "t1"}, {ID: "t2"}},
		}},
	}}

	merged := MergeUsage(clusters, map[store.TaskRef]Usage{"t1": {CPUCores: 0.5, MemoryBytes: 100}})

	tasks := merged[0].Services[0].Tasks
	if tasks[0].CPUUsageCores == nil || *tasks[0].CPUUsageCores != 0.5 || *tasks[0].MemoryUsageBytes != 100 {
		t.Errorf("usage not merged: %+v", tasks[0])
	}
	if tasks[1].CPUUsageCores != nil || tasks[1].MemoryUsageBytes != nil {
		t.Errorf("task without usage must keep nil pointers: %+v", tasks[1])
	}
	if clusters[0].Services[0].Tasks[0].CPUUsageCores != nil {
		t.Error("input must not be mutated")
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestRelay_Scrape(t *testing.T) {
	m := newMockDocker(t)
	m.containers = []container.Summary{
		{ID: "c1", Labels: map[string]string{"metrics": "8080/prom", LabelECSContainerName: "web"}},
		{ID: "c2", Labels: map[string]string{"metrics": ""}},
		{ID: "c3", Labels: map[string]string{"metrics": "", LabelECSContainerName: "broken"}},
	}
	m.execs["c1"] = execResult{stdout: "# HELP up Up.\n# TYPE up gauge\nup 1\nreqs{code=\"200\"} 5\n"}
	m.execs["c2"] = execResult{stdout: "jobs 3\n"}
	m.execs["c3"] = execResult{exitCode: 7}

	scrapes, err := NewRelay(m, "metrics").Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	if got := m.lastList.Filters.Get("label"); len(got) != 1 || got[0] != "metrics" {
		t.Errorf("expected label filter, got %v", got)
	}
	if got := m.execCmds["c1"]; len(got) != 5 || got[0] != "/bin/curl" || got[4] != "http://localhost:8080/prom" {
		t.Errorf("unexpected curl command: %v", got)
	}
	if got := m.execCmds["c1"]; got[2] != "--max-time" || got[3] != "10" {
		t.Errorf("expected default --max-time 10, got %v", got)
	}
	if got := m.execCmds["c2"]; got[len(got)-1] != "http://localhost:9100/metrics" {
		t.Errorf("expected default target, got %v", got)
	}

	if len(scrapes) != 2 {
		t.Fatalf("expected 2 scrapes (failed exit code skipped), got %d", len(scrapes))
	}
	web := scrapes[0]
	want := []string{
		"# HELP up Up.",
		"# TYPE up gauge",
		`up{container_name="web"} 1`,
		`reqs{container_name="web",code="200"} 5`,
	}
	if strings.Join(web.Lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("unexpected lines:\n%s", strings.Join(web.Lines, "\n"))
	}
	if scrapes[1].Name != UnknownContainerName || scrapes[1].Lines[0] != `jobs{container_name="unknown-service"} 3` {
		t.Errorf("unexpected unnamed scrape: %+v", scrapes[1])
	}
}

func TestRelay_ScrapeStopsWhenContextEnds(t *testing.T) {
	m := newMockDocker(t)
	m.containers = []container.Summary{
		{ID: "c1", Labels: map[string]string{"metrics": "", LabelECSContainerName: "stuck"}},
		{ID: "c2", Labels: map[string]string{"metrics": "", LabelECSContainerName: "never"}},
	}
	m.execs["c1"] = execResult{}
	m.execs["c2"] = execResult{stdout: "up 1\n"}
	m.hang["c1"] = true

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	scrapes, err := NewRelay(m, "metrics").Scrape(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Scrape did not return after the context ended, took %v", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if len(scrapes) != 0 {
		t.Errorf("expected no scrapes, got %+v", scrapes)
	}
	if _, ok := m.execCmds["c2"]; ok {
		t.Error("expected no exec after the context ended")
	}
	if got := m.execCmds["c1"]; got[2] != "--max-time" || got[3] != "1" {
		t.Errorf("expected --max-time rounded up to 1s, got %v", got)
	}
}

func TestCurlMaxTime(t *testing.T) {
	if got := curlMaxTime(context.Background()); got != "10" {
		t.Errorf("no deadline: got %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	if got := curlMaxTime(ctx); got != "3" {
		t.Errorf("2.5s deadline: got %s", got)
	}
	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	if got := curlMaxTime(expired); got != "1" {
		t.Errorf("expired deadline: got %s", got)
	}
}

func TestInjectLabel(t *testing.T) {
	tests := []struct {
		line, want string
	}{
		{"# HELP x help", "# HELP x help"},
		{"  # comment", "  # comment"},
		{"x 1", `x{container_name="svc"} 1`},
		{"x{} 1", `x{container_name="svc",} 1`},
		{`x{a="b"} 1 1700000000`, `x{container_name="svc",a="b"} 1 1700000000`},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := InjectLabel(tt.line, "svc"); got != tt.want {
			t.Errorf("InjectLabel(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}

	if got := InjectLabel("x 1", `we"ird`); got != `x{container_name="we\"ird"} 1` {
		t.Errorf("expected escaped label value, got %q", got)
	}
}
