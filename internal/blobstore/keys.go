package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Artifact layout. Both artifact families are keyed by proof job id so
// an operator can walk one job's full trail, from generated proof to
// terminal saga outcome, with two gets.
//
//	proofs/<job-id>/result.json   validated proof result
//	swaps/<job-id>/outcome.json   terminal saga outcome record

// ProofResultKey is where the proof result for a job is archived.
func ProofResultKey(jobID string) string {
	return fmt.Sprintf("proofs/%s/result.json", jobID)
}

// SwapOutcomeKey is where the saga outcome for a job is archived.
func SwapOutcomeKey(jobID string) string {
	return fmt.Sprintf("swaps/%s/outcome.json", jobID)
}

// PutJSON marshals v and stores it under key with the JSON content
// type. All relay artifacts go through this helper.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("blobstore: encode %q: %w", key, err)
	}
	return s.Put(ctx, key, payload, PutOptions{ContentType: "application/json"})
}
