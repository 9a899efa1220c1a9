package server

import (
	"fmt"

	"github.com/4thel00z/turntable/internal"
)

// RunRequest starts a matching run. Exactly one of Point and Box is set.
type RunRequest struct {
	Reference string   `json:"reference" binding:"required"`
	Point     *[2]int  `json:"point,omitempty"`
	Negative  bool     `json:"negative,omitempty"`
	Box       *[4]int  `json:"box,omitempty"`
	TargetDir string   `json:"target_dir,omitempty"`
	Targets   []string `json:"targets,omitempty"`
}

func (r RunRequest) prompt() (internal.Prompt, error) {
	switch {
	case r.Point != nil && r.Box != nil:
		return internal.Prompt{}, fmt.Errorf("point and box both set: %w", internal.ErrInvalidPrompt)
	case r.Point != nil:
		p := internal.PointPrompt(r.Point[0], r.Point[1])
		p.Negative = r.Negative
		return p, nil
	case r.Box != nil:
		return internal.BoxPrompt(r.Box[0], r.Box[1], r.Box[2], r.Box[3]), nil
	default:
		return internal.Prompt{}, fmt.Errorf("point or box required: %w", internal.ErrInvalidPrompt)
	}
}

// Input resolves the request into pipeline input under run id.
func (r RunRequest) Input(id string) (internal.RunInput, error) {
	prompt, err := r.prompt()
	if err != nil {
		return internal.RunInput{}, err
	}
	targets, err := internal.CollectTargets(r.TargetDir, r.Targets)
	if err != nil {
		return internal.RunInput{}, err
	}
	if len(targets) == 0 {
		return internal.RunInput{}, fmt.Errorf("no target images")
	}
	return internal.RunInput{
		ID:        id,
		Reference: internal.ImageSource{Path: r.Reference},
		Prompt:    prompt,
		Targets:   targets,
	}, nil
}

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCanceling RunStatus = "canceling"
	StatusFailed    RunStatus = "failed"
)

// RunState is reported for runs that have no stored report yet.
type RunState struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
