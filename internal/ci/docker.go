package ci

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// Labels put on every container started by the docker build service
const (
	Label            = "tagscepter"
	LabelTag         = "tagscepter.tag"
	LabelFingerprint = "tagscepter.fingerprint"
)

// Docker is a build service running a container of a fixed image for every build.
// The container sees the tag in $COMMIT, $TAG, $BRANCH and $SEQUENCE. Exit code 0 means success.
type Docker struct {
	image   string
	command []string
	env     map[string]string

	fingerprint string // Identifies the build recipe, so containers of different recipes can be told apart

	log *logrus.Entry
	cli *client.Client
}

// NewDocker creates a docker build service talking to the docker daemon configured in the environment
func NewDocker(image string, command []string, env map[string]string, log *logrus.Entry) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	return &Docker{
		image:       image,
		command:     command,
		env:         env,
		fingerprint: fingerprint(image, command),
		log:         log,
		cli:         cli,
	}, nil
}

// fingerprint returns a digest of the build recipe
func fingerprint(image string, command []string) string {
	return digest.FromString(image + "\x00" + strings.Join(command, "\x00")).Encoded()
}

// containerLabels returns the labels of the container building the passed tag
func (d *Docker) containerLabels(tag tagscepter.Tag) map[string]string {
	return map[string]string{
		Label:            "1",
		LabelTag:         tag.ID,
		LabelFingerprint: d.fingerprint,
	}
}

// TriggerBuild creates and starts a container building the passed tag and returns the container's ID
func (d *Docker) TriggerBuild(ctx context.Context, tag tagscepter.Tag) (string, error) {
	containerConfig := &container.Config{
		Image:  d.image,
		Cmd:    d.command,
		Env:    buildEnv(tag, d.env),
		Labels: d.containerLabels(tag),
	}
	containerName := "tagscepter-" + uniuri.New()

	// Create the new container
	resp, err := d.cli.ContainerCreate(ctx, containerConfig, &container.HostConfig{}, nil, nil, containerName)
	if err != nil {
		return "", errors.Join(fmt.Errorf("container creation with name %s of image %s failed for tag %s", containerName, d.image, tag.ID), err)
	}

	// Start the new container
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", errors.Join(fmt.Errorf("container start with name %s and id %s of image %s failed for tag %s", containerName, resp.ID, d.image, tag.ID), err)
	}

	d.log.Infof("Started container %s building tag %s", containerName, tag.ID)
	return resp.ID, nil
}

// PollStatus inspects the container of a build
func (d *Docker) PollStatus(ctx context.Context, externalBuildID string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, externalBuildID)
	if err != nil {
		if client.IsErrNotFound(err) {
			// Someone removed the container, the build can't be judged anymore
			return "cancelled", nil
		}
		return "", err
	}
	return containerStatus(info.State), nil
}

// containerStatus maps the state of a build container to a build status
func containerStatus(state *types.ContainerState) string {
	if state == nil {
		return "pending"
	}
	switch state.Status {
	case "created":
		return "pending"
	case "exited":
		if state.ExitCode == 0 {
			return "success"
		}
		return "failed"
	case "dead":
		return "failed"
	default:
		// running, paused, restarting, removing
		return "running"
	}
}

// Close releases the docker client
func (d *Docker) Close() error {
	return d.cli.Close()
}
