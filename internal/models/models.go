package models

import (
	"fmt"
	"time"
)

// VideoRecord is an accepted video and its content signature
type VideoRecord struct {
	ID            string    `json:"id"`
	SourceLocator string    `json:"source_locator"`
	CreatedAt     time.Time `json:"created_at"`
	Vector        []float32 `json:"-"`
}

// Entry is the view of a record used for nearest-neighbor matching
type Entry struct {
	ID        string
	CreatedAt time.Time
	Vector    []float32
}

// Entry returns the matching view of the record
func (r VideoRecord) Entry() Entry {
	return Entry{ID: r.ID, CreatedAt: r.CreatedAt, Vector: r.Vector}
}

// MatchResult is the closest stored vector to a query
type MatchResult struct {
	NearestID string
	Distance  float64
}

// Kind tags the variant held by a Decision
type Kind int

const (
	KindUnique Kind = iota
	KindDuplicateByContent
	KindDuplicateByLocator
)

func (k Kind) String() string {
	switch k {
	case KindUnique:
		return "unique"
	case KindDuplicateByContent:
		return "duplicate_by_content"
	case KindDuplicateByLocator:
		return "duplicate_by_locator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets decisions render their kind by name in JSON output
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Decision is the outcome of classifying a video against the store.
//
// ID is set for a Unique verdict produced by an ingest call and names the
// record that was committed. MatchedID and Distance describe the stored
// record a duplicate verdict refers to; Distance is only meaningful for
// KindDuplicateByContent.
type Decision struct {
	Kind      Kind    `json:"kind"`
	ID        string  `json:"id,omitempty"`
	MatchedID string  `json:"matched_id,omitempty"`
	Distance  float64 `json:"distance"`
}

// Unique builds a Unique decision for id (empty for read-only queries)
func Unique(id string) Decision {
	return Decision{Kind: KindUnique, ID: id}
}

// DuplicateByContent builds a content duplicate decision
func DuplicateByContent(matchedID string, distance float64) Decision {
	return Decision{Kind: KindDuplicateByContent, MatchedID: matchedID, Distance: distance}
}

// DuplicateByLocator builds a locator duplicate decision
func DuplicateByLocator(matchedID string) Decision {
	return Decision{Kind: KindDuplicateByLocator, MatchedID: matchedID}
}

// IsDuplicate reports whether the decision rejects the video
func (d Decision) IsDuplicate() bool {
	return d.Kind != KindUnique
}

// SampleOptions controls frame sampling for one extraction
type SampleOptions struct {
	Stride int // distance between sampled frame indices
	Cap    int // maximum number of sampled frames
}

// Validate checks that stride and cap are positive
func (o SampleOptions) Validate() error {
	if o.Stride <= 0 {
		return fmt.Errorf("frame stride must be positive, got %d", o.Stride)
	}
	if o.Cap <= 0 {
		return fmt.Errorf("frame cap must be positive, got %d", o.Cap)
	}
	return nil
}
