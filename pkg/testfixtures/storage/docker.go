package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

type containerSpec struct {
	name  string
	image string
	env   []string
	port  nat.Port
	cmd   []string
}

// runContainer starts spec and returns the host address its port is published on. The
// container is stopped when the test finishes. The test is skipped when no docker daemon
// is reachable.
func runContainer(t testing.TB, spec containerSpec) string {
	t.Helper()

	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		dockerClient.Close()
	})

	if _, err := dockerClient.Ping(context.Background()); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	allImages, err := dockerClient.ImageList(context.Background(), image.ListOptions{
		All: true,
	})
	require.NoError(t, err)

	found := false

AllImages:
	for _, img := range allImages {
		for _, tag := range img.RepoTags {
			if strings.Contains(tag, spec.image) {
				found = true
				break AllImages
			}
		}
	}

	if !found {
		t.Logf("Pulling image %s", spec.image)
		reader, err := dockerClient.ImagePull(context.Background(), spec.image, image.PullOptions{})
		require.NoError(t, err)

		_, err = io.Copy(io.Discard, reader) // consume the image pull output to make sure it's done
		require.NoError(t, err)
	}

	containerCfg := container.Config{
		Env: spec.env,
		ExposedPorts: nat.PortSet{
			spec.port: {},
		},
		Image: spec.image,
		Cmd:   spec.cmd,
	}

	hostCfg := container.HostConfig{
		AutoRemove:      true,
		PublishAllPorts: true,
	}

	name := spec.name + "-" + ulid.Make().String()

	cont, err := dockerClient.ContainerCreate(context.Background(), &containerCfg, &hostCfg, nil, nil, name)
	require.NoError(t, err, "failed to create %s docker container", spec.name)

	t.Cleanup(func() {
		t.Logf("stopping container %s", name)
		timeoutSec := 5

		err := dockerClient.ContainerStop(context.Background(), cont.ID, container.StopOptions{Timeout: &timeoutSec})
		if err != nil && !errdefs.IsNotFound(err) {
			t.Logf("failed to stop %s container: %v", spec.name, err)
		}

		t.Logf("stopped container %s", name)
	})

	err = dockerClient.ContainerStart(context.Background(), cont.ID, container.StartOptions{})
	require.NoError(t, err, "failed to start %s container", spec.name)

	containerJSON, err := dockerClient.ContainerInspect(context.Background(), cont.ID)
	require.NoError(t, err)

	m, ok := containerJSON.NetworkSettings.Ports[spec.port]
	if !ok || len(m) == 0 {
		require.Fail(t, "failed to get host port mapping from "+spec.name+" container")
	}

	return "localhost:" + m[0].HostPort
}
