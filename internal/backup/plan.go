package backup

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/ec2-home-backup/internal/instances"
	"github.com/MacJediWizard/ec2-home-backup/internal/remote"
	"github.com/MacJediWizard/ec2-home-backup/internal/targets"
)

// PlanEntry describes what a run would do with one instance.
type PlanEntry struct {
	Tag        string
	InstanceID string
	State      instances.State
	PrivateIP  string
	KeyName    string
	KeyPath    string
	// WillStart is true when the run would power the instance on and off.
	WillStart bool
	// Skip explains why the instance would be skipped, if it would be.
	Skip string
}

// Plan lists the instances a run would process without changing anything:
// no instance is started or stopped and no host is contacted.
func (s *Service) Plan(ctx context.Context, tags []targets.Target) ([]PlanEntry, []string, error) {
	if s.opts.DedupeTargets {
		tags = targets.Dedupe(tags)
	}

	var (
		entries []PlanEntry
		missing []string
	)
	for _, tag := range tags {
		found, err := s.locator.Find(ctx, tag.Name)
		if err != nil {
			return entries, missing, fmt.Errorf("find instances for tag %q (row %d): %w", tag.Name, tag.Row, err)
		}
		if len(found) == 0 {
			missing = append(missing, tag.Name)
			continue
		}

		for _, inst := range found {
			entry := PlanEntry{
				Tag:        tag.Name,
				InstanceID: inst.ID,
				State:      inst.State,
				PrivateIP:  inst.PrivateIP,
				KeyName:    inst.KeyName,
				WillStart:  inst.State != instances.StateRunning,
			}
			keyPath, err := remote.FindKey(s.opts.KeyDir, inst.KeyName, s.opts.KeyExtension)
			if err != nil {
				entry.Skip = err.Error()
			} else {
				entry.KeyPath = keyPath
			}
			entries = append(entries, entry)
		}
	}
	return entries, missing, nil
}
