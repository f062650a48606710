package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shuwen-lab/cliptext/internal/domain"
)

// ErrParseOutput marks a run that the executor reported as successful but
// whose output payload could not be decoded. Distinct from an execution
// failure so callers can surface it separately.
var ErrParseOutput = errors.New("failed to parse executor output")

// The executor wraps the real payload twice: the history record's output is a
// JSON string whose Output field is itself a JSON string.
type outputEnvelope struct {
	Output string `json:"Output"`
}

type outputPayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Photo   string `json:"photo"`
	URL     string `json:"url"`
}

// ParseOutput decodes a successful run's output into a job result. The
// executor's photo/url fields map to cover/video_url.
func ParseOutput(output string) (domain.JobResult, error) {
	if output == "" {
		return domain.JobResult{}, fmt.Errorf("%w: output is empty", ErrParseOutput)
	}

	var envelope outputEnvelope
	if err := json.Unmarshal([]byte(output), &envelope); err != nil {
		return domain.JobResult{}, fmt.Errorf("%w: outer decode: %v", ErrParseOutput, err)
	}
	if envelope.Output == "" {
		return domain.JobResult{}, fmt.Errorf("%w: Output field is empty", ErrParseOutput)
	}

	var payload outputPayload
	if err := json.Unmarshal([]byte(envelope.Output), &payload); err != nil {
		return domain.JobResult{}, fmt.Errorf("%w: inner decode: %v", ErrParseOutput, err)
	}

	return domain.JobResult{
		Title:    payload.Title,
		Content:  payload.Content,
		Cover:    payload.Photo,
		VideoURL: payload.URL,
	}, nil
}
