package tagscepter

// SelectCandidates returns the next positions to test, as indices into the tracker's search space.
//
// For a single candidate this is classic bisection: the middle of the range, rounded towards the bad boundary.
// For count > 1 the range is split into count+1 equally sized parts.
// Whenever a target is excluded or already selected, positions around it are probed alternately
// above and below (target+1, target-1, target+2, ...) until a free one is found.
//
// generated holds every position probed in the order it was considered, selected the positions to dispatch.
// An empty selected slice on an unconverged range means every remaining position is excluded.
func SelectCandidates(r *RangeTracker, count int) (generated, selected []int) {
	if count < 1 {
		count = 1
	}
	good, bad := r.Bounds()
	width := bad - good
	if width <= 1 {
		return nil, nil
	}

	seen := make(map[int]bool)
	taken := make(map[int]bool)
	consider := func(i int) bool {
		if !seen[i] {
			seen[i] = true
			generated = append(generated, i)
		}
		return !r.IsExcluded(i) && !taken[i]
	}

	for k := 1; k <= count && len(selected) < width-1; k++ {
		// good + ceil(k*width/(count+1))
		target := good + (k*width+count)/(count+1)

		found := -1
		for offset := 0; offset < width; offset++ {
			if above := target + offset; above > good && above < bad && consider(above) {
				found = above
				break
			}
			if offset == 0 {
				continue
			}
			if below := target - offset; below > good && below < bad && consider(below) {
				found = below
				break
			}
		}
		if found == -1 {
			break
		}
		taken[found] = true
		selected = append(selected, found)
	}

	return generated, selected
}
