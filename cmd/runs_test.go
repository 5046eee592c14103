package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/orchestrator"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 5, 10, 10, 30, 0, 0, time.UTC)
	end := now.Add(2 * time.Minute)
	msg := "run cancelled: context canceled while staging concerts"
	runs := []model.ScrapingRun{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			StartTime:   now,
			EndTime:     &end,
			Status:      model.RunCompleted,
			Counts:      map[model.Kind]int{model.KindArtist: 3, model.KindVenue: 2},
			SourceCount: 4,
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			StartTime:    now.Add(-time.Hour),
			Status:       model.RunFailed,
			ErrorMessage: &msg,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "2026-05-10 10:30")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "run cancelled: context canceled while...")
	assert.NotContains(t, output, "concerts")

	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[2], " 5 ", "found sums all kinds")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatOutcome(t *testing.T) {
	out := &orchestrator.Outcome{
		RunID:       "r1",
		SourceCount: 2,
		Reports: map[model.Kind]*orchestrator.KindReport{
			model.KindConcert: {Kind: model.KindConcert, Sources: 1, Found: 4, Deduped: 3, Staged: 3},
			model.KindArtist:  {Kind: model.KindArtist, Sources: 2, Found: 10, Deduped: 9, Staged: 8, StageFailed: 1},
		},
	}

	var buf bytes.Buffer
	formatOutcome(&buf, out)

	output := buf.String()
	assert.Contains(t, output, "Run r1: 2 source(s)")
	artist := strings.Index(output, "artist")
	concert := strings.Index(output, "concert")
	assert.Greater(t, concert, artist, "kinds print in processing order")
	assert.NotContains(t, output, "venue")
}
