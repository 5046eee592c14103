package model

import (
	"strings"
	"time"
)

// Record is one entity in production shape, keyed by column name.
type Record map[string]any

// Name returns the record's primary name, or "" when absent or not a string.
func (r Record) Name() string {
	s, _ := r["name"].(string)
	return strings.TrimSpace(s)
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ReviewStatus is the approval state of a staged entity.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
)

// ParseReviewStatus returns the status or false when s is not one.
func ParseReviewStatus(s string) (ReviewStatus, bool) {
	switch ReviewStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusApproved:
		return StatusApproved, true
	case StatusRejected:
		return StatusRejected, true
	}
	return "", false
}

// StagedEntity is a scraped record awaiting review.
type StagedEntity struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Fields      Record       `json:"fields"`
	SourceURL   string       `json:"source_url"`
	Status      ReviewStatus `json:"status"`
	ReviewNotes *string      `json:"review_notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ColumnType is the storage type of a production column.
type ColumnType int

const (
	ColText ColumnType = iota
	ColInt
	ColDate
	ColJSON
	ColRef
)

// Column describes one production column.
type Column struct {
	Name string
	Type ColumnType
}

var schemas = map[Kind][]Column{
	KindArtist: {
		{"name", ColText},
		{"description", ColText},
		{"image_url", ColText},
		{"genres", ColJSON},
		{"social_links", ColJSON},
		{"website", ColText},
		{"hometown", ColText},
	},
	KindVenue: {
		{"name", ColText},
		{"description", ColText},
		{"address", ColText},
		{"city", ColText},
		{"state", ColText},
		{"country", ColText},
		{"capacity", ColInt},
		{"image_url", ColText},
		{"website", ColText},
		{"social_links", ColJSON},
	},
	KindPark: {
		{"name", ColText},
		{"description", ColText},
		{"address", ColText},
		{"city", ColText},
		{"state", ColText},
		{"country", ColText},
		{"image_url", ColText},
		{"website", ColText},
	},
	KindFestival: {
		{"name", ColText},
		{"description", ColText},
		{"start_date", ColDate},
		{"end_date", ColDate},
		{"location", ColText},
		{"park_id", ColRef},
		{"image_url", ColText},
		{"website", ColText},
		{"ticket_url", ColText},
		{"social_links", ColJSON},
	},
	KindConcert: {
		{"name", ColText},
		{"description", ColText},
		{"date", ColDate},
		{"artist_id", ColRef},
		{"venue_id", ColRef},
		{"festival_id", ColRef},
		{"ticket_url", ColText},
		{"image_url", ColText},
	},
}

// Schema returns the production columns for kind in declaration order.
func Schema(kind Kind) []Column {
	return schemas[kind]
}

// StagingOnlyFields are present on staged rows and stripped on promotion.
var StagingOnlyFields = []string{"id", "status", "review_notes", "source_url"}

// LookupFields maps name-lookup fields to the reference column they resolve.
// They are consumed during enrichment and never stored.
var LookupFields = map[string]string{
	"park_name":     "park_id",
	"artist_name":   "artist_id",
	"venue_name":    "venue_id",
	"festival_name": "festival_id",
}

// LookupKind returns the kind a reference column points at.
func LookupKind(refColumn string) (Kind, bool) {
	switch refColumn {
	case "park_id":
		return KindPark, true
	case "artist_id":
		return KindArtist, true
	case "venue_id":
		return KindVenue, true
	case "festival_id":
		return KindFestival, true
	}
	return "", false
}

// Project keeps only the columns in kind's schema, dropping everything else.
func Project(kind Kind, r Record) Record {
	out := make(Record, len(r))
	for _, c := range Schema(kind) {
		if v, ok := r[c.Name]; ok && v != nil {
			out[c.Name] = v
		}
	}
	return out
}
