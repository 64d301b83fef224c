// Package report turns backup run results into JSON documents and stores them
// on disk and in S3.
package report

import (
	"time"

	"github.com/MacJediWizard/ec2-home-backup/internal/backup"
)

// Instance is the report entry for one processed instance.
type Instance struct {
	Tag             string  `json:"tag"`
	InstanceID      string  `json:"instance_id"`
	PrivateIP       string  `json:"private_ip,omitempty"`
	Outcome         string  `json:"outcome"`
	Started         bool    `json:"started"`
	Stopped         bool    `json:"stopped"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Report is the JSON summary of one backup run.
type Report struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	Tags            []string       `json:"tags"`
	MissingTags     []string       `json:"missing_tags,omitempty"`
	Summary         map[string]int `json:"summary"`
	Instances       []Instance     `json:"instances"`
}

// FromRun builds a report from a run result.
func FromRun(run *backup.RunResult) *Report {
	r := &Report{
		RunID:           run.ID.String(),
		StartedAt:       run.StartedAt.UTC(),
		FinishedAt:      run.FinishedAt.UTC(),
		DurationSeconds: run.FinishedAt.Sub(run.StartedAt).Seconds(),
		Success:         run.Err == nil,
		Tags:            run.Tags,
		MissingTags:     run.Missing,
		Summary:         make(map[string]int),
		Instances:       make([]Instance, 0, len(run.Instances)),
	}
	if run.Err != nil {
		r.Error = run.Err.Error()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}

	for _, outcome := range []backup.Outcome{
		backup.OutcomeCompleted,
		backup.OutcomeSkippedNoKey,
		backup.OutcomeSkippedUnreachable,
		backup.OutcomeFailed,
	} {
		r.Summary[string(outcome)] = 0
	}

	for _, res := range run.Instances {
		r.Summary[string(res.Outcome)]++
		r.Instances = append(r.Instances, Instance{
			Tag:             res.Tag,
			InstanceID:      res.InstanceID,
			PrivateIP:       res.PrivateIP,
			Outcome:         string(res.Outcome),
			Started:         res.Started,
			Stopped:         res.Stopped,
			DurationSeconds: res.Duration.Seconds(),
			Error:           res.Error(),
		})
	}
	return r
}
