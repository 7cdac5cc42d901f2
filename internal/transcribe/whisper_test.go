package transcribe

import (
	"strings"
	"testing"

	"github.com/voicereel/voicereel/internal/models"
)

func seg(id int, start, end float64) models.Segment {
	return models.Segment{ID: id, StartTime: start, EndTime: end, Text: "narration"}
}

func TestValidateSegmentsAcceptsOrderedTimeline(t *testing.T) {
	segments := []models.Segment{seg(0, 0, 10), seg(1, 10, 20), seg(2, 20.5, 30)}
	if err := validateSegments(segments); err != nil {
		t.Fatalf("unexpected error for ordered segments: %v", err)
	}
	if err := validateSegments(nil); err != nil {
		t.Fatalf("unexpected error for empty input: %v", err)
	}
}

func TestValidateSegmentsRejectsBrokenTimelines(t *testing.T) {
	cases := []struct {
		name     string
		segments []models.Segment
		wantSub  string
	}{
		{"zero extent", []models.Segment{seg(0, 5, 5)}, "non-positive extent"},
		{"end before start", []models.Segment{seg(0, 10, 4)}, "non-positive extent"},
		{"overlapping", []models.Segment{seg(0, 0, 10), seg(1, 8, 20)}, "before the previous"},
		{"out of order", []models.Segment{seg(0, 10, 20), seg(1, 0, 9)}, "before the previous"},
	}
	for _, c := range cases {
		err := validateSegments(c.segments)
		if err == nil {
			t.Errorf("%s: expected an error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.wantSub) {
			t.Errorf("%s: error %q missing %q", c.name, err, c.wantSub)
		}
	}
}
