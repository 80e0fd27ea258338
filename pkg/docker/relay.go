package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kanzifucius/svc-tracker/pkg/metrics"
	"github.com/kanzifucius/svc-tracker/pkg/store"
)

const (
	// DefaultPortAndPath is scraped when the opt-in label has no value.
	DefaultPortAndPath = "9100/metrics"

	// UnknownContainerName labels lines from containers without an ECS name.
	UnknownContainerName = "unknown-service"

	curlPath = "/bin/curl"

	// defaultCurlTimeout bounds a curl run when the caller has no deadline.
	defaultCurlTimeout = 10 * time.Second
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Relay scrapes the metrics endpoint of every local container carrying a
// label, by running curl inside the container.
type Relay struct {
	api   ContainerAPI
	label string
}

// NewRelay creates a Relay for containers carrying label.
func NewRelay(api ContainerAPI, label string) *Relay {
	return &Relay{api: api, label: label}
}

// Scrape returns the relayed lines of every labeled container, with a
// container_name label injected. A container that cannot be scraped is
// logged and left out; only a failed container listing is an error. When
// ctx ends mid-scrape the containers relayed so far are returned together
// with ctx.Err().
func (r *Relay) Scrape(ctx context.Context) ([]store.ContainerScrape, error) {
	containers, err := r.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", r.label)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing labeled containers: %w", err)
	}
	slog.Debug("found containers with the metrics label", "count", len(containers), "label", r.label)

	var out []store.ContainerScrape
	for _, c := range containers {
		name := c.Labels[LabelECSContainerName]
		if name == "" {
			name = UnknownContainerName
		}
		target := c.Labels[r.label]
		if target == "" {
			target = DefaultPortAndPath
		}

		body, err := r.curl(ctx, c.ID, "http://localhost:"+target)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if err != nil {
			slog.Warn("container metrics scrape failed", "container", c.ID, "name", name, "error", err)
			metrics.ContainerScrapeErrors.WithLabelValues(name).Inc()
			continue
		}

		var lines []string
		for _, line := range strings.Split(body, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			lines = append(lines, InjectLabel(line, name))
		}
		out = append(out, store.ContainerScrape{Name: name, Lines: lines})
	}
	return out, nil
}

// curl runs curl in the container and returns its stdout. A non-zero exit
// code is an error. The hijacked connection is closed as soon as ctx ends,
// and curl itself is given --max-time so a stuck endpoint does not leave the
// exec running.
func (r *Relay) curl(ctx context.Context, id, url string) (string, error) {
	exec, err := r.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{curlPath, "-s", "--max-time", curlMaxTime(ctx), url},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating exec: %w", err)
	}

	attach, err := r.api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := r.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return "", fmt.Errorf("curl exited with code %d: %s", inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// curlMaxTime returns the --max-time value in whole seconds: the time left
// before the ctx deadline rounded up, or the default when there is none.
func curlMaxTime(ctx context.Context) string {
	d := defaultCurlTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// InjectLabel adds container_name as the first label of a sample line.
// Comment lines are returned unchanged, as are lines that are neither a
// comment nor a sample.
func InjectLabel(line, name string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return line
	}

	label := `container_name="` + labelEscaper.Replace(name) + `"`
	if i := strings.Index(line, "{"); i >= 0 {
		return line[:i+1] + label + "," + line[i+1:]
	}
	if i := strings.Index(line, " "); i >= 0 {
		return line[:i] + "{" + label + "}" + line[i:]
	}

	slog.Info("line is neither comment nor sample, not attaching container name", "line", line)
	return line
}
