package sequences

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"servicecrm_backend/internal/sequences/repository"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultSequencesYAML []byte

type seedFile struct {
	Sequences []seedSequence `yaml:"sequences"`
}

type seedSequence struct {
	Name    string     `yaml:"name"`
	Trigger string     `yaml:"trigger"`
	Active  *bool      `yaml:"active"`
	Steps   []seedStep `yaml:"steps"`
}

type seedStep struct {
	Type       string  `yaml:"type"`
	DelayValue *int    `yaml:"delay_value"`
	DelayUnit  *string `yaml:"delay_unit"`
	Template   *string `yaml:"template"`
	Payload    string  `yaml:"payload"`
}

// SeedFromYAML installs sequence definitions from a YAML document for a
// tenant. Definitions whose name already exists are skipped so the seed is
// safe to re-run. Returns how many sequences were created.
func SeedFromYAML(ctx context.Context, repo *repository.Repository, organizationID uuid.UUID, data []byte) (int, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse sequence seed: %w", err)
	}

	created := 0
	for _, seq := range file.Sequences {
		if seq.Name == "" || seq.Trigger == "" || len(seq.Steps) == 0 {
			return created, fmt.Errorf("sequence seed %q incomplete", seq.Name)
		}

		steps := make([]repository.CreateStepParams, 0, len(seq.Steps))
		for i, step := range seq.Steps {
			params := repository.CreateStepParams{
				StepOrder:       i,
				StepType:        step.Type,
				DelayValue:      step.DelayValue,
				DelayUnit:       step.DelayUnit,
				MessageTemplate: step.Template,
			}
			if step.Payload != "" {
				params.Payload = []byte(step.Payload)
			}
			steps = append(steps, params)
		}

		active := true
		if seq.Active != nil {
			active = *seq.Active
		}
		_, err := repo.CreateDefinition(ctx, repository.CreateDefinitionParams{
			OrganizationID: organizationID,
			Name:           seq.Name,
			Trigger:        seq.Trigger,
			IsActive:       active,
		}, steps)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateDefinition) {
				continue
			}
			return created, fmt.Errorf("seed sequence %q: %w", seq.Name, err)
		}
		created++
	}
	return created, nil
}

// InstallDefaults seeds the stock follow-up sequences for a tenant.
func InstallDefaults(ctx context.Context, repo *repository.Repository, organizationID uuid.UUID) (int, error) {
	return SeedFromYAML(ctx, repo, organizationID, defaultSequencesYAML)
}
