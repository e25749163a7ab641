// Package pageset groups the pages of an image-based book into the sets a
// reader displays together.
package pageset

// Options controls how pages are grouped.
type Options struct {
	// DoublePage pairs consecutive portrait pages into spreads.
	DoublePage bool
	// SecondPageSeparate keeps the cover alone and starts the first pair
	// at the second page.
	SecondPageSeparate bool
	// RightToLeft reverses set order and the page order inside each set.
	RightToLeft bool
}

// Generate partitions the pages [0, pageCount) into display sets.
//
// ratios maps a page index to its width/height ratio. A page with a ratio of
// 1 or more is landscape and always stands alone; a page with no known ratio
// is treated as portrait. Generate keeps no state, so callers re-run it as
// ratios become known while rendering.
func Generate(pageCount int, ratios map[int]float64, opts Options) [][]int {
	if pageCount <= 0 {
		return [][]int{}
	}

	var sets [][]int
	if opts.DoublePage {
		sets = pairPages(pageCount, ratios, opts.SecondPageSeparate)
	} else {
		sets = make([][]int, 0, pageCount)
		for page := range pageCount {
			sets = append(sets, []int{page})
		}
	}

	if opts.RightToLeft {
		reverse(sets)
	}

	return sets
}

func pairPages(pageCount int, ratios map[int]float64, secondPageSeparate bool) [][]int {
	sets := make([][]int, 0, pageCount/2+1)

	for page := 0; page < pageCount; {
		next := page + 1

		paired := next < pageCount &&
			!isLandscape(ratios, page) &&
			!isLandscape(ratios, next) &&
			!(secondPageSeparate && page == 0)

		if paired {
			sets = append(sets, []int{page, next})
			page += 2

			continue
		}

		sets = append(sets, []int{page})
		page++
	}

	return sets
}

func isLandscape(ratios map[int]float64, page int) bool {
	ratio, ok := ratios[page]

	return ok && ratio >= 1
}

func reverse(sets [][]int) {
	for i, j := 0, len(sets)-1; i < j; i, j = i+1, j-1 {
		sets[i], sets[j] = sets[j], sets[i]
	}

	for _, set := range sets {
		if len(set) == 2 {
			set[0], set[1] = set[1], set[0]
		}
	}
}

// IndexOf returns the index of the set holding page, or -1.
func IndexOf(sets [][]int, page int) int {
	for i, set := range sets {
		for _, p := range set {
			if p == page {
				return i
			}
		}
	}

	return -1
}
