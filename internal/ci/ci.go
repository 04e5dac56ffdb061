// Package ci provides the concrete build services candidates can be dispatched to.
package ci

import (
	"fmt"
	"io"
	"sort"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/sirupsen/logrus"
)

// Build service types
const (
	TypeScript = "script"
	TypeDocker = "docker"
	TypeHTTP   = "http"
)

// StatusFunc is called whenever a build run by a local build service reaches a final status
type StatusFunc func(buildService, externalBuildID, status string)

// New creates the build service described by the passed config.
// onStatus may be nil; if set, build services which run builds themselves push status changes through it.
func New(config tagscepter.BuildServiceConfig, log *logrus.Logger, onStatus StatusFunc) (tagscepter.BuildService, error) {
	entry := nopLog()
	if log != nil {
		entry = log.WithField("build-service", config.Name)
	}

	switch config.Type {
	case TypeScript:
		if config.Script == "" {
			return nil, fmt.Errorf("%w: build service %s has no script", tagscepter.ErrInvalidArgument, config.Name)
		}
		var push func(externalBuildID, status string)
		if onStatus != nil {
			push = func(externalBuildID, status string) {
				onStatus(config.Name, externalBuildID, status)
			}
		}
		return NewScript(config.Script, config.Env, entry, push), nil
	case TypeDocker:
		if config.Image == "" {
			return nil, fmt.Errorf("%w: build service %s has no image", tagscepter.ErrInvalidArgument, config.Name)
		}
		return NewDocker(config.Image, config.Command, config.Env, entry)
	case TypeHTTP:
		if config.TriggerURL == "" || config.StatusURL == "" {
			return nil, fmt.Errorf("%w: build service %s needs a trigger and a status url", tagscepter.ErrInvalidArgument, config.Name)
		}
		return NewHTTP(config.TriggerURL, config.StatusURL, config.Token, entry), nil
	}
	return nil, fmt.Errorf("%w: build service %s has unknown type %q", tagscepter.ErrInvalidArgument, config.Name, config.Type)
}

// NewAll creates all configured build services, keyed by name
func NewAll(configs []tagscepter.BuildServiceConfig, log *logrus.Logger, onStatus StatusFunc) (map[string]tagscepter.BuildService, error) {
	services := make(map[string]tagscepter.BuildService, len(configs))
	for _, config := range configs {
		service, err := New(config, log, onStatus)
		if err != nil {
			return nil, err
		}
		services[config.Name] = service
	}
	return services, nil
}

// buildEnv returns the environment of a build of the passed tag in KEY=VALUE form, sorted by key
func buildEnv(tag tagscepter.Tag, extra map[string]string) []string {
	env := []string{
		"COMMIT=" + tag.CommitHash,
		"TAG=" + tag.ID,
		"BRANCH=" + tag.BranchID,
		fmt.Sprintf("SEQUENCE=%d", tag.SequenceNumber),
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// nopLog returns a muted logger
func nopLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
