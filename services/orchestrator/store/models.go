// Copyright (C) 2025 OpenDocQA Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import "time"

// Session is one chat conversation.
type Session struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one stored turn of a session. Sources is a JSON
// array of document ids, matching what the history endpoint returns.
type ChatMessage struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"index"`
	Role          string
	Content       string
	Sources       string
	Confidence    *float64
	Hallucination *float64
	CreatedAt     time.Time
}

// Document is one entry in the document registry. The chunked content
// itself lives in the vector store; this row carries identity and
// access metadata.
type Document struct {
	ID              string `gorm:"primaryKey"`
	Filename        string
	ContentType     string
	Confidentiality string `gorm:"index"`
	Department      string
	Client          string
	ChunkCount      int
	CreatedAt       time.Time
}
