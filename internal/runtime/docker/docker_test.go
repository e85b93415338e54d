package docker

import (
	"context"
	"testing"

	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"

	"github.com/nexusd/nexus/internal/runtime"
)

// TestDriverSafeError mirrors the reference gateway's own client_test.go:
// calling through a Driver whose api client factory yields nil must fail
// with a message identifying the client as unavailable, not panic.
func TestDriverSafeError(t *testing.T) {
	d := &Driver{apiClient: func() dockerclient.APIClient { return nil }, hostGW: "host.docker.internal"}

	_, err := d.ImageExists(context.Background(), "example:latest")
	assert.ErrorContains(t, err, "docker client is not available")

	err = d.PullImage(context.Background(), "example:latest")
	assert.ErrorContains(t, err, "docker client is not available")

	_, err = d.CreateContainer(context.Background(), runtime.ContainerConfig{Name: "nexus-test", Image: "example:latest"})
	assert.ErrorContains(t, err, "docker client is not available")
}
