// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil or parsing fails.
//
// # Limitations
//
//   - Type mismatches between response and T yield zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// DocumentChunk Query Types
// =============================================================================

// FragmentQueryResponse is the shape of a Get query against the
// DocumentChunk class.
type FragmentQueryResponse struct {
	Get struct {
		DocumentChunk []FragmentResult `json:"DocumentChunk"`
	} `json:"Get"`
}

// FragmentResult is a single DocumentChunk object from a query.
type FragmentResult struct {
	Content         string  `json:"content"`
	Source          string  `json:"source"`
	DocumentID      string  `json:"document_id"`
	ChunkIndex      float64 `json:"chunk_index"`
	Confidentiality string  `json:"confidentiality"`
	Department      string  `json:"department"`
	Client          string  `json:"client"`
	Additional      struct {
		ID       string  `json:"id"`
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

// ToFragment converts a query result into the Fragment shape the rest
// of the pipeline works with.
func (r FragmentResult) ToFragment() Fragment {
	return Fragment{
		Content:         r.Content,
		Source:          r.Source,
		DocumentID:      r.DocumentID,
		ChunkIndex:      int(r.ChunkIndex),
		Confidentiality: r.Confidentiality,
		Department:      r.Department,
		Client:          r.Client,
		Distance:        r.Additional.Distance,
	}
}

// AggregateCountResponse is the shape of an Aggregate meta count query.
type AggregateCountResponse struct {
	Aggregate struct {
		DocumentChunk []struct {
			Meta struct {
				Count float64 `json:"count"`
			} `json:"meta"`
		} `json:"DocumentChunk"`
	} `json:"Aggregate"`
}
