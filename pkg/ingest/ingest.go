// Package ingest implements Ingestion (C10): the entry point by which
// an observation becomes part of canon. Observations are append-only
// and carry no authorization check of their own beyond the target
// node existing — the commit boundary Prism enforces is for
// mutations, not for appending new facts (spec §4.4).
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
)

// Input is the shape Ingest accepts.
type Input struct {
	NodeID     string
	Type       string
	Payload    map[string]any
	Provenance canon.Provenance
	Tags       []string
}

// Options tunes validation behavior.
type Options struct {
	// ValidateSource requires Provenance.SourceID, when set, to name an
	// existing node (spec §4.4 point 2).
	ValidateSource bool
}

// Ingest validates input and appends the resulting Observation.
func Ingest(ctx context.Context, repos canon.Repositories, input Input, opts Options) (canon.Observation, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "ingest.Ingest", attribute.String("observation.type", input.Type))
	obs, err := ingestObservation(ctx, repos, input, opts)
	end(err)
	return obs, err
}

func ingestObservation(ctx context.Context, repos canon.Repositories, input Input, opts Options) (canon.Observation, error) {
	if err := validate(ctx, repos, input, opts); err != nil {
		return canon.Observation{}, err
	}

	obs := canon.Observation{
		NodeID:     input.NodeID,
		Type:       input.Type,
		Timestamp:  time.Now(),
		Payload:    input.Payload,
		Provenance: input.Provenance,
		Tags:       input.Tags,
	}

	created, err := repos.Observations().Append(ctx, obs)
	if err != nil {
		return canon.Observation{}, kernelerr.Wrap(kernelerr.ErrValidation, "ingest.Ingest", input.NodeID, err)
	}
	return created, nil
}

func validate(ctx context.Context, repos canon.Repositories, input Input, opts Options) error {
	if input.NodeID == "" {
		return kernelerr.Wrap(kernelerr.ErrValidation, "ingest.validate", "", fmt.Errorf("nodeId is required"))
	}
	if !isDottedIdentifier(input.Type) {
		return kernelerr.Wrap(kernelerr.ErrValidation, "ingest.validate", input.NodeID, fmt.Errorf("type %q is not a valid dotted identifier", input.Type))
	}

	node, err := repos.Nodes().Get(ctx, input.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return kernelerr.Wrap(kernelerr.ErrNotFound, "ingest.validate", input.NodeID, fmt.Errorf("target node does not exist"))
	}

	if opts.ValidateSource && input.Provenance.SourceID != "" {
		source, err := repos.Nodes().Get(ctx, input.Provenance.SourceID)
		if err != nil {
			return err
		}
		if source == nil {
			return kernelerr.Wrap(kernelerr.ErrNotFound, "ingest.validate", input.Provenance.SourceID, fmt.Errorf("provenance source node does not exist"))
		}
	}

	return nil
}

// isDottedIdentifier matches the observation type grammar spec §3
// describes: one or more dot-separated, non-empty segments of
// letters, digits, and underscores.
func isDottedIdentifier(s string) bool {
	if s == "" {
		return false
	}
	segments := strings.Split(s, ".")
	for _, seg := range segments {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
				return false
			}
		}
	}
	return true
}
