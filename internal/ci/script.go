package ci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/dchest/uniuri"
	"github.com/sirupsen/logrus"
)

// Script is a build service running a shell script on the local machine for every build.
// The script sees the tag in $COMMIT, $TAG, $BRANCH and $SEQUENCE. Exit code 0 means success.
type Script struct {
	script string
	env    map[string]string

	log      *logrus.Entry
	onStatus func(externalBuildID, status string)

	mu       sync.Mutex
	statuses map[string]string // Status of every build started, keyed by its ID
}

// NewScript creates a script build service
func NewScript(script string, env map[string]string, log *logrus.Entry, onStatus func(externalBuildID, status string)) *Script {
	if log == nil {
		log = nopLog()
	}
	return &Script{
		script:   script,
		env:      env,
		log:      log,
		onStatus: onStatus,
		statuses: make(map[string]string),
	}
}

// TriggerBuild starts the script for the passed tag in the background and returns the build's ID
func (s *Script) TriggerBuild(_ context.Context, tag tagscepter.Tag) (string, error) {
	id := "script-" + uniuri.New()

	cmd := exec.Command("sh", "-c", s.script)
	cmd.Env = append(os.Environ(), buildEnv(tag, s.env)...)
	if err := cmd.Start(); err != nil {
		return "", errors.Join(fmt.Errorf("failed to start build script for tag %s", tag.ID), err)
	}
	s.setStatus(id, "running", false)
	s.log.Infof("Started build %s of tag %s", id, tag.ID)

	go func() {
		status := "success"
		if err := cmd.Wait(); err != nil {
			s.log.Infof("Build %s of tag %s failed - %v", id, tag.ID, err)
			status = "failed"
		}
		s.setStatus(id, status, true)
	}()

	return id, nil
}

// PollStatus returns the status of a build started by this build service
func (s *Script) PollStatus(_ context.Context, externalBuildID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[externalBuildID]
	if !ok {
		return "", fmt.Errorf("%w: build %s", tagscepter.ErrNotFound, externalBuildID)
	}
	return status, nil
}

// setStatus records the status of a build. Pushing is best effort, as the build may finish
// before its ID is known to the engine; polling picks up what pushing missed.
func (s *Script) setStatus(id, status string, push bool) {
	s.mu.Lock()
	s.statuses[id] = status
	s.mu.Unlock()

	if push && s.onStatus != nil {
		s.onStatus(id, status)
	}
}
