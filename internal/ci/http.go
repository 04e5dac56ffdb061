package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/sirupsen/logrus"
)

// HTTP is a build service talking to a CI system with a small REST API:
// builds are triggered with a POST to the trigger url, answered with {"id": "..."},
// and their status is read with a GET of the status url, answered with {"status": "..."}.
type HTTP struct {
	triggerURL string
	statusURL  string // Contains %s, which is replaced by the build's ID
	token      string

	log    *logrus.Entry
	client *http.Client
}

type triggerRequest struct {
	Tag            string `json:"tag"`
	Branch         string `json:"branch"`
	Commit         string `json:"commit"`
	SequenceNumber int    `json:"sequenceNumber"`
}

type triggerResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewHTTP creates an http build service
func NewHTTP(triggerURL, statusURL, token string, log *logrus.Entry) *HTTP {
	if log == nil {
		log = nopLog()
	}
	return &HTTP{
		triggerURL: triggerURL,
		statusURL:  statusURL,
		token:      token,
		log:        log,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTP) TriggerBuild(ctx context.Context, tag tagscepter.Tag) (string, error) {
	body, err := json.Marshal(triggerRequest{
		Tag:            tag.ID,
		Branch:         tag.BranchID,
		Commit:         tag.CommitHash,
		SequenceNumber: tag.SequenceNumber,
	})
	if err != nil {
		return "", err
	}

	var res triggerResponse
	if err := h.do(ctx, http.MethodPost, h.triggerURL, bytes.NewReader(body), &res); err != nil {
		return "", errors.Join(fmt.Errorf("failed to trigger build of tag %s", tag.ID), err)
	}
	if res.ID == "" {
		return "", fmt.Errorf("ci system returned no build id for tag %s", tag.ID)
	}
	h.log.Infof("Triggered build %s of tag %s", res.ID, tag.ID)
	return res.ID, nil
}

func (h *HTTP) PollStatus(ctx context.Context, externalBuildID string) (string, error) {
	statusURL := h.statusURL
	if strings.Contains(statusURL, "%s") {
		statusURL = fmt.Sprintf(statusURL, url.PathEscape(externalBuildID))
	}

	var res statusResponse
	if err := h.do(ctx, http.MethodGet, statusURL, nil, &res); err != nil {
		return "", errors.Join(fmt.Errorf("failed to poll status of build %s", externalBuildID), err)
	}
	return res.Status, nil
}

func (h *HTTP) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, target, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
