// Package model defines the entities shared by the scrape, staging, and review pipeline.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Kind identifies the entity type a source supplies and a staging table holds.
type Kind string

const (
	KindArtist   Kind = "artist"
	KindVenue    Kind = "venue"
	KindPark     Kind = "park"
	KindFestival Kind = "festival"
	KindConcert  Kind = "concert"

	// KindMultiple marks a data source that supplies more than one kind.
	// It is never a valid staging kind.
	KindMultiple Kind = "multiple"
)

// AllKinds returns the entity kinds in processing order. Artists, venues and
// parks come before festivals and concerts so that references can resolve.
func AllKinds() []Kind {
	return []Kind{KindArtist, KindVenue, KindPark, KindFestival, KindConcert}
}

// ParseKind accepts a singular kind ("artist"), its table name ("artists"),
// or its staging table name ("staged_artists").
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "staged_")
	for _, k := range AllKinds() {
		if s == string(k) || s == k.Table() {
			return k, nil
		}
	}
	return "", eris.Errorf("unknown entity kind: %q (valid: artist, venue, park, festival, concert)", s)
}

// Valid reports whether k is one of the five entity kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindArtist, KindVenue, KindPark, KindFestival, KindConcert:
		return true
	default:
		return false
	}
}

// Table returns the production table name for the kind.
func (k Kind) Table() string {
	return string(k) + "s"
}

// StagingTable returns the staging table name for the kind.
func (k Kind) StagingTable() string {
	return "staged_" + k.Table()
}

// CountField returns the scraping_runs column holding this kind's found count.
func (k Kind) CountField() string {
	return k.Table() + "_found"
}

// Frequency is how often a data source should be scraped.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// IntervalDays returns the minimum number of whole days between scrapes.
// Unknown frequencies use the weekly interval.
func (f Frequency) IntervalDays() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyMonthly:
		return 30
	default:
		return 7
	}
}
