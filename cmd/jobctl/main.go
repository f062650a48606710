// jobctl submits an extraction job against a running API server and follows
// it to a terminal state. Operator tooling, not part of the service itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type jobView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message"`
	Result       *struct {
		Title    string `json:"title"`
		Content  string `json:"content"`
		Cover    string `json:"cover"`
		VideoURL string `json:"video_url"`
	} `json:"result"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "API server base URL")
	user := flag.String("user", "", "User identity sent as X-User-ID")
	kind := flag.String("kind", "get_video_content", "Job kind")
	sourceURL := flag.String("url", "", "Video share link to extract")
	interval := flag.Duration("interval", 2*time.Second, "Status poll interval")
	timeout := flag.Duration("timeout", 5*time.Minute, "Give up after this long")
	flag.Parse()

	if *user == "" || *sourceURL == "" {
		fmt.Fprintln(os.Stderr, "usage: jobctl -user <id> -url <link> [-server ...]")
		os.Exit(2)
	}

	client := resty.New().
		SetBaseURL(*server).
		SetHeader("X-User-ID", *user).
		SetHeader("Content-Type", "application/json")

	job, err := submit(client, *kind, *sourceURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("submitted job %s (%s)\n", job.ID, job.Status)

	deadline := time.Now().Add(*timeout)
	for {
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "gave up after %s; job %s still %s\n", *timeout, job.ID, job.Status)
			os.Exit(1)
		}
		time.Sleep(*interval)

		job, err = get(client, job.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status check failed: %v\n", err)
			continue
		}
		fmt.Printf("  %s %d%%\n", job.Status, job.Progress)

		switch job.Status {
		case "completed":
			fmt.Printf("title:     %s\n", job.Result.Title)
			fmt.Printf("content:   %s\n", job.Result.Content)
			fmt.Printf("cover:     %s\n", job.Result.Cover)
			fmt.Printf("video_url: %s\n", job.Result.VideoURL)
			return
		case "failed":
			fmt.Fprintf(os.Stderr, "job failed: %s\n", job.ErrorMessage)
			os.Exit(1)
		}
	}
}

func submit(client *resty.Client, kind, sourceURL string) (*jobView, error) {
	var env envelope
	resp, err := client.R().
		SetBody(map[string]string{"kind": kind, "url": sourceURL}).
		SetResult(&env).
		SetError(&env).
		Post("/api/v1/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 202 {
		return nil, fmt.Errorf("HTTP %d: %s (%s)", resp.StatusCode(), env.Error, env.Code)
	}
	return decodeJob(env.Data)
}

func get(client *resty.Client, id string) (*jobView, error) {
	var env envelope
	resp, err := client.R().
		SetResult(&env).
		SetError(&env).
		Get("/api/v1/jobs/" + id)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d: %s (%s)", resp.StatusCode(), env.Error, env.Code)
	}
	return decodeJob(env.Data)
}

func decodeJob(data json.RawMessage) (*jobView, error) {
	var job jobView
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
