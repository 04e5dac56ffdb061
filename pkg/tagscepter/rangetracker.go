package tagscepter

import (
	"fmt"
	"math"
	"sort"
)

// A RangeTracker owns the good and bad boundaries of one task.
// Boundaries are indices into the task's search space, where index 0 is the original good tag and the last index is the original bad tag.
// Searching in index space normalizes the direction: the good boundary always moves up, the bad boundary always moves down.
type RangeTracker struct {
	tags  []Tag          // The search space, ordered from the good tag to the bad tag
	index map[string]int // Index of every tag ID in tags

	good int // Index of the newest known-working tag
	bad  int // Index of the oldest known-broken tag

	excluded map[int]bool // Indices which yielded an inconclusive verdict
}

// NewRangeTracker creates a range tracker over the passed search space.
// tags[0] must be the good tag and tags[len(tags)-1] the bad tag.
func NewRangeTracker(tags []Tag) (*RangeTracker, error) {
	if len(tags) < 2 {
		return nil, fmt.Errorf("%w: search space needs at least a good and a bad tag, got %d tags", ErrInvalidArgument, len(tags))
	}
	r := &RangeTracker{
		tags:     tags,
		index:    make(map[string]int, len(tags)),
		good:     0,
		bad:      len(tags) - 1,
		excluded: make(map[int]bool),
	}
	for i, tag := range tags {
		r.index[tag.ID] = i
	}
	return r, nil
}

// CurrentRange returns the sequence numbers of the current good and bad boundaries
func (r *RangeTracker) CurrentRange() (start, end int) {
	return r.tags[r.good].SequenceNumber, r.tags[r.bad].SequenceNumber
}

// Bounds returns the indices of the current good and bad boundaries
func (r *RangeTracker) Bounds() (good, bad int) {
	return r.good, r.bad
}

// Width returns the distance between the boundaries in index space
func (r *RangeTracker) Width() int {
	return r.bad - r.good
}

// TagAt returns the tag at the passed index of the search space
func (r *RangeTracker) TagAt(i int) Tag {
	return r.tags[i]
}

// IndexOf returns the index of the tag with the passed ID in the search space
func (r *RangeTracker) IndexOf(tagID string) (int, bool) {
	i, ok := r.index[tagID]
	return i, ok
}

// IsExcluded reports whether the tag at the passed index yielded an inconclusive verdict
func (r *RangeTracker) IsExcluded(i int) bool {
	return r.excluded[i]
}

// Excluded returns the excluded indices strictly between the boundaries, in ascending order
func (r *RangeTracker) Excluded() []int {
	var res []int
	for i := range r.excluded {
		if i > r.good && i < r.bad {
			res = append(res, i)
		}
	}
	sort.Ints(res)
	return res
}

// Narrow applies a verdict for the passed tag.
// A working verdict moves the good boundary up to the tag, a broken verdict moves the bad boundary down to it,
// and an inconclusive verdict leaves the range unchanged but excludes the tag from future selection.
// Verdicts which are implied by the current boundaries are no-ops, verdicts contradicting them return [ErrRangeInvariantViolation].
func (r *RangeTracker) Narrow(tagID string, verdict FeedbackType) error {
	i, ok := r.index[tagID]
	if !ok {
		return fmt.Errorf("%w: tag %s is not between the task's good and bad tag", ErrInvalidArgument, tagID)
	}
	return r.NarrowAt(i, verdict)
}

// NarrowAt applies a verdict for the tag at the passed index. See [RangeTracker.Narrow]
func (r *RangeTracker) NarrowAt(i int, verdict FeedbackType) error {
	switch verdict {
	case Working:
		if i >= r.bad {
			return fmt.Errorf("%w: tag %s (sequence %d) reported working but is at or past the bad boundary %s (sequence %d)",
				ErrRangeInvariantViolation, r.tags[i].ID, r.tags[i].SequenceNumber, r.tags[r.bad].ID, r.tags[r.bad].SequenceNumber)
		}
		if i > r.good {
			r.good = i
		}
	case Broken:
		if i <= r.good {
			return fmt.Errorf("%w: tag %s (sequence %d) reported broken but is at or before the good boundary %s (sequence %d)",
				ErrRangeInvariantViolation, r.tags[i].ID, r.tags[i].SequenceNumber, r.tags[r.good].ID, r.tags[r.good].SequenceNumber)
		}
		if i < r.bad {
			r.bad = i
		}
	case Inconclusive:
		r.excluded[i] = true
	default:
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidArgument, verdict)
	}
	return nil
}

// IsConverged reports whether no tag is left between the boundaries
func (r *RangeTracker) IsConverged() bool {
	return r.bad-r.good <= 1
}

// ProblematicTag returns the tag which introduced the regression, i.e. the oldest broken tag.
// The returned boolean is false if the range has not converged yet.
func (r *RangeTracker) ProblematicTag() (Tag, bool) {
	if !r.IsConverged() {
		return Tag{}, false
	}
	return r.tags[r.bad], true
}

// Progress returns the fraction of the initial range which has been eliminated, between 0 and 1
func (r *RangeTracker) Progress() float64 {
	initial := len(r.tags) - 1
	if initial <= 1 {
		return 1
	}
	return 1 - float64(r.Width()-1)/float64(initial-1)
}

// ExpectedIterationsLeft returns an estimate of the bisection steps still needed
func (r *RangeTracker) ExpectedIterationsLeft() int {
	if r.IsConverged() {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(r.Width()))))
}

// AuthoritativeFeedback returns, for every build job, the feedback created last.
// The result is ordered chronologically. Feedback with equal timestamps keeps its input order.
func AuthoritativeFeedback(feedback []*Feedback) []*Feedback {
	ordered := make([]*Feedback, len(feedback))
	copy(ordered, feedback)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	latest := make(map[string]int)
	for i, fb := range ordered {
		latest[fb.BuildJobID] = i
	}

	var res []*Feedback
	for i, fb := range ordered {
		if latest[fb.BuildJobID] == i {
			res = append(res, fb)
		}
	}
	return res
}

// Replay reconstructs a range tracker from a task's search space and all of its feedback.
// Only the authoritative feedback of every build job is applied, in chronological order,
// so replaying the same history always yields the same boundaries.
func Replay(tags []Tag, feedback []*Feedback) (*RangeTracker, error) {
	r, err := NewRangeTracker(tags)
	if err != nil {
		return nil, err
	}
	for _, fb := range AuthoritativeFeedback(feedback) {
		if err := r.Narrow(fb.TagID, fb.Type); err != nil {
			return r, err
		}
	}
	return r, nil
}
