package tagscepter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// TagSequence is a read-only view over the ordered tags of every branch.
// Implementations must be safe for concurrent use, as the engine shares one instance between all tasks.
type TagSequence interface {
	// Tag returns the tag with the passed ID
	Tag(ctx context.Context, tagID string) (Tag, error)
	// PositionOf returns the sequence number of the tag with the passed ID
	PositionOf(ctx context.Context, tagID string) (int, error)
	// TagAt returns the tag of the branch with exactly the passed sequence number
	TagAt(ctx context.Context, branchID string, sequenceNumber int) (Tag, error)
	// CountBetween returns the number of tags strictly between the two sequence numbers
	CountBetween(ctx context.Context, branchID string, start, end int) (int, error)
	// TagsBetween returns all tags between the two sequence numbers, both included, ordered by ascending sequence number
	TagsBetween(ctx context.Context, branchID string, start, end int) ([]Tag, error)
}

// MemoryTags is an in-memory [TagSequence]
type MemoryTags struct {
	mu sync.RWMutex

	branches map[string][]Tag // Tags of every branch, ordered by sequence number
	byID     map[string]Tag
}

type tagsYaml struct {
	Branches []struct {
		ID   string `yaml:"id"`
		Tags []Tag  `yaml:"tags"`
	} `yaml:"branches"`
}

// NewMemoryTags creates a tag sequence holding the passed tags
func NewMemoryTags(tags ...Tag) (*MemoryTags, error) {
	m := &MemoryTags{
		branches: make(map[string][]Tag),
		byID:     make(map[string]Tag),
	}
	if err := m.Add(tags...); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadTags reads tags in yaml format from a reader. Tags listed under a branch inherit its ID
func LoadTags(r io.Reader) (*MemoryTags, error) {
	var config tagsYaml
	if err := yaml.NewDecoder(r).Decode(&config); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to decode tags yaml"), err)
	}

	var tags []Tag
	for _, branch := range config.Branches {
		for _, tag := range branch.Tags {
			if tag.BranchID == "" {
				tag.BranchID = branch.ID
			}
			tags = append(tags, tag)
		}
	}
	return NewMemoryTags(tags...)
}

// Add inserts the passed tags. Tag IDs must be unique, as must be sequence numbers within a branch
func (m *MemoryTags) Add(tags ...Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]bool)
	for _, tag := range tags {
		if tag.ID == "" || tag.BranchID == "" {
			return fmt.Errorf("%w: tag %q has no id or branch", ErrInvalidArgument, tag.ID)
		}
		if _, ok := m.byID[tag.ID]; ok {
			return fmt.Errorf("%w: duplicate tag id %s", ErrInvalidArgument, tag.ID)
		}
		for _, other := range m.branches[tag.BranchID] {
			if other.SequenceNumber == tag.SequenceNumber {
				return fmt.Errorf("%w: tags %s and %s share sequence number %d", ErrInvalidArgument, other.ID, tag.ID, tag.SequenceNumber)
			}
		}
		m.byID[tag.ID] = tag
		m.branches[tag.BranchID] = append(m.branches[tag.BranchID], tag)
		touched[tag.BranchID] = true
	}

	for branch := range touched {
		sort.Slice(m.branches[branch], func(i, j int) bool {
			return m.branches[branch][i].SequenceNumber < m.branches[branch][j].SequenceNumber
		})
	}
	return nil
}

// All returns every tag, ordered by branch and then by sequence number
func (m *MemoryTags) All() []Tag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	branches := make([]string, 0, len(m.branches))
	for branch := range m.branches {
		branches = append(branches, branch)
	}
	sort.Strings(branches)

	var tags []Tag
	for _, branch := range branches {
		tags = append(tags, m.branches[branch]...)
	}
	return tags
}

func (m *MemoryTags) Tag(_ context.Context, tagID string) (Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tag, ok := m.byID[tagID]
	if !ok {
		return Tag{}, fmt.Errorf("%w: tag %s", ErrNotFound, tagID)
	}
	return tag, nil
}

func (m *MemoryTags) PositionOf(ctx context.Context, tagID string) (int, error) {
	tag, err := m.Tag(ctx, tagID)
	if err != nil {
		return 0, err
	}
	return tag.SequenceNumber, nil
}

func (m *MemoryTags) TagAt(_ context.Context, branchID string, sequenceNumber int) (Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags, ok := m.branches[branchID]
	if !ok {
		return Tag{}, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}
	i, found := slices.BinarySearchFunc(tags, sequenceNumber, func(t Tag, seq int) int { return t.SequenceNumber - seq })
	if !found {
		return Tag{}, fmt.Errorf("%w: no tag with sequence number %d on branch %s", ErrNotFound, sequenceNumber, branchID)
	}
	return tags[i], nil
}

func (m *MemoryTags) CountBetween(ctx context.Context, branchID string, start, end int) (int, error) {
	tags, err := m.TagsBetween(ctx, branchID, start, end)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, tag := range tags {
		if tag.SequenceNumber != start && tag.SequenceNumber != end {
			count++
		}
	}
	return count, nil
}

func (m *MemoryTags) TagsBetween(_ context.Context, branchID string, start, end int) ([]Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tags, ok := m.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branchID)
	}
	if start > end {
		start, end = end, start
	}

	var res []Tag
	for _, tag := range tags {
		if tag.SequenceNumber >= start && tag.SequenceNumber <= end {
			res = append(res, tag)
		}
	}
	return res, nil
}

// searchSpace returns the tags between good and bad, ordered from the good tag at index 0 to the bad tag at the last index
func searchSpace(ctx context.Context, seq TagSequence, good, bad Tag) ([]Tag, error) {
	if good.BranchID != bad.BranchID {
		return nil, fmt.Errorf("%w: good tag %s and bad tag %s are on different branches", ErrInvalidArgument, good.ID, bad.ID)
	}
	if good.SequenceNumber == bad.SequenceNumber {
		return nil, fmt.Errorf("%w: good tag %s and bad tag %s share sequence number %d", ErrInvalidArgument, good.ID, bad.ID, good.SequenceNumber)
	}

	tags, err := seq.TagsBetween(ctx, good.BranchID, good.SequenceNumber, bad.SequenceNumber)
	if err != nil {
		return nil, err
	}
	if len(tags) < 2 {
		return nil, fmt.Errorf("%w: tag sequence of branch %s does not contain both boundaries", ErrNotFound, good.BranchID)
	}
	if good.SequenceNumber > bad.SequenceNumber {
		slices.Reverse(tags)
	}
	return tags, nil
}
