package synthetics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

type artifactsResponse struct {
	Artifacts []artifact `json:"artifacts"`
}

type artifact struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Locate queries the test's candidate locations in order and returns the
// first harvestable artifact for its last run. No location is queried after
// the first hit. ErrNotFound is returned when no location has one.
func (s *Session) Locate(ctx context.Context, test TestDescriptor) (ArtifactReference, error) {
	endpoint := fmt.Sprintf("%s/v2/synthetics/tests/%d/artifacts", s.client.cfg.APIRoot, test.ID)
	ts := strconv.FormatInt(test.LastRunEpochMillis, 10)

	for _, loc := range test.Locations {
		body, err := s.fetch(ctx, EndpointArtifacts, endpoint, url.Values{
			"locationId": {loc},
			"timestamp":  {ts},
		})
		if err != nil {
			return ArtifactReference{}, fmt.Errorf("query artifacts for test %d at %s: %w", test.ID, loc, err)
		}

		var resp artifactsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return ArtifactReference{}, fmt.Errorf("decode artifacts for test %d at %s: %w", test.ID, loc, err)
		}

		for _, a := range resp.Artifacts {
			if a.Type == s.client.cfg.ArtifactType {
				return ArtifactReference{
					URL:            a.URL,
					LocationID:     loc,
					RunEpochMillis: test.LastRunEpochMillis,
				}, nil
			}
		}
		s.log.Debug("no artifact at location", "test_id", test.ID, "location", loc, "artifacts", len(resp.Artifacts))
	}

	return ArtifactReference{}, ErrNotFound
}

// FetchArchive downloads the raw archive document a reference points at.
// Relative references are resolved against the API root.
func (s *Session) FetchArchive(ctx context.Context, ref ArtifactReference) ([]byte, error) {
	body, err := s.fetch(ctx, EndpointArchive, s.resolve(ref.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch archive %s: %w", ref.URL, err)
	}
	return body, nil
}
