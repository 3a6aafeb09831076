package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/primoscope/mediadl/internal/network"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

// client talks to a running `mediadl serve` daemon.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: fmt.Sprintf("http://127.0.0.1:%d", flagPort),
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

type enqueueRequest struct {
	URL          string          `json:"url"`
	OutputFolder string          `json:"output_folder,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	Options      options.Options `json:"options"`
}

type enqueueResponse struct {
	JobID    string   `json:"job_id"`
	Warnings []string `json:"warnings,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *client) do(method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) enqueue(req enqueueRequest) (enqueueResponse, error) {
	var resp enqueueResponse
	err := c.do(http.MethodPost, "/v1/jobs", req, &resp)
	return resp, err
}

func (c *client) listJobs(status string) ([]storage.JobRecord, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + status
	}
	var jobs []storage.JobRecord
	err := c.do(http.MethodGet, path, nil, &jobs)
	return jobs, err
}

func (c *client) control(id, action string) error {
	return c.do(http.MethodPost, "/v1/jobs/"+id+"/control", map[string]string{"action": action}, nil)
}

func (c *client) reorder(id, direction string) error {
	return c.do(http.MethodPost, "/v1/jobs/"+id+"/reorder", map[string]string{"direction": direction}, nil)
}

func (c *client) remove(id string) error {
	return c.do(http.MethodDelete, "/v1/jobs/"+id, nil, nil)
}

func (c *client) clearCompleted() (int, error) {
	var resp map[string]int
	err := c.do(http.MethodPost, "/v1/jobs/clear-completed", struct{}{}, &resp)
	return resp["cleared"], err
}

func (c *client) speedTest() (network.Result, error) {
	var res network.Result
	err := c.do(http.MethodPost, "/v1/speedtest", struct{}{}, &res)
	return res, err
}

func (c *client) speedTestHistory(limit int) ([]storage.SpeedTestRecord, error) {
	var history []storage.SpeedTestRecord
	err := c.do(http.MethodGet, fmt.Sprintf("/v1/speedtest/history?limit=%d", limit), nil, &history)
	return history, err
}
