// Package debate defines the debate session model: formats with their fixed
// timing defaults and team topology, student levels, and the deterministic
// speaker order derived from a team composition.
package debate

import (
	"fmt"
	"strings"
	"time"
)

// Format selects the debate style. Each format fixes the speech and reply
// durations and the ordered list of role buckets speakers are drawn from.
type Format string

const (
	// FormatWSDC is World Schools: two teams of three, 8 minute speeches.
	FormatWSDC Format = "wsdc"

	// FormatBP is British Parliamentary: four teams of two, 7 minute speeches.
	FormatBP Format = "bp"

	// FormatAP is Asian Parliamentary: two teams of three, 7 minute speeches.
	FormatAP Format = "ap"

	// FormatAustrals is the Australasian format: two teams of three.
	FormatAustrals Format = "australs"

	// FormatPractice is a free-form practice round with any team size.
	FormatPractice Format = "practice"
)

// Bucket is one role bucket of a format's team topology, e.g. "prop" with the
// display prefix "Prop".
type Bucket struct {
	// Key is the team-composition map key (e.g. "og").
	Key string

	// Prefix is prepended to the 1-based index to form a position label.
	Prefix string
}

// formatSpec holds the fixed defaults of one format.
type formatSpec struct {
	speech  time.Duration
	reply   time.Duration
	buckets []Bucket
	// perBucket is the required speaker count per bucket; 0 means any ≥ 1.
	perBucket int
}

var formats = map[Format]formatSpec{
	FormatWSDC: {
		speech:    8 * time.Minute,
		reply:     4 * time.Minute,
		buckets:   []Bucket{{"prop", "Prop"}, {"opp", "Opp"}},
		perBucket: 3,
	},
	FormatBP: {
		speech:    7 * time.Minute,
		buckets:   []Bucket{{"og", "OG"}, {"oo", "OO"}, {"cg", "CG"}, {"co", "CO"}},
		perBucket: 2,
	},
	FormatAP: {
		speech:    7 * time.Minute,
		reply:     4 * time.Minute,
		buckets:   []Bucket{{"gov", "Gov"}, {"opp", "Opp"}},
		perBucket: 3,
	},
	FormatAustrals: {
		speech:    8 * time.Minute,
		reply:     3 * time.Minute,
		buckets:   []Bucket{{"aff", "Aff"}, {"neg", "Neg"}},
		perBucket: 3,
	},
	FormatPractice: {
		speech:  5 * time.Minute,
		buckets: []Bucket{{"prop", "Prop"}, {"opp", "Opp"}},
	},
}

// ParseFormat converts s (case-insensitive) into a [Format].
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", fmt.Errorf("debate: unknown format %q", s)
	}
	return f, nil
}

// IsValid reports whether f is a recognised format.
func (f Format) IsValid() bool {
	_, ok := formats[f]
	return ok
}

// SpeechDuration returns the default substantive speech length.
func (f Format) SpeechDuration() time.Duration { return formats[f].speech }

// ReplyDuration returns the reply speech length, or 0 when the format has no
// reply speeches.
func (f Format) ReplyDuration() time.Duration { return formats[f].reply }

// Buckets returns the role buckets in speaking order.
func (f Format) Buckets() []Bucket {
	b := formats[f].buckets
	out := make([]Bucket, len(b))
	copy(out, b)
	return out
}

// SpeakersPerBucket returns the required number of speakers per bucket, or 0
// when any non-zero number is accepted.
func (f Format) SpeakersPerBucket() int { return formats[f].perBucket }

// StudentLevel is the experience level of the students, forwarded to the
// feedback backend so it can calibrate its comments.
type StudentLevel string

const (
	LevelPrimary    StudentLevel = "primary"
	LevelMiddle     StudentLevel = "middle"
	LevelHigh       StudentLevel = "high"
	LevelUniversity StudentLevel = "university"
	LevelOpen       StudentLevel = "open"
)

// ParseStudentLevel converts s (case-insensitive) into a [StudentLevel].
func ParseStudentLevel(s string) (StudentLevel, error) {
	l := StudentLevel(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("debate: unknown student level %q", s)
	}
	return l, nil
}

// IsValid reports whether l is a recognised level.
func (l StudentLevel) IsValid() bool {
	switch l {
	case LevelPrimary, LevelMiddle, LevelHigh, LevelUniversity, LevelOpen:
		return true
	}
	return false
}
