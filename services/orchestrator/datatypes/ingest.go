// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "fmt"

// MaxDocumentBytes limits the size of an uploaded document body.
const MaxDocumentBytes = 10 * 1024 * 1024

// IngestDocumentRequest is the body of the document upload endpoint.
type IngestDocumentRequest struct {
	Filename        string `json:"filename" validate:"required,min=1,max=512"`
	Content         string `json:"content" validate:"required,min=1"`
	Confidentiality string `json:"confidentiality" validate:"omitempty,oneof=public internal confidential"`
	Department      string `json:"department" validate:"omitempty,max=128"`
	Client          string `json:"client" validate:"omitempty,max=128"`
}

// Validate checks the request against its constraints. The content size
// is checked by byte length, not rune count.
func (r *IngestDocumentRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid ingest document request: %w", err)
	}
	if len(r.Content) > MaxDocumentBytes {
		return fmt.Errorf("invalid ingest document request: content exceeds %d bytes", MaxDocumentBytes)
	}
	return nil
}
