package service

// damerauLevenshtein is the optimal string alignment distance over runes:
// insertions, deletions, substitutions and adjacent transpositions.
func damerauLevenshtein(a, b []rune) int {
	al, bl := len(a), len(b)
	if al == 0 {
		return bl
	}
	if bl == 0 {
		return al
	}

	// three rolling rows: i-2, i-1, i
	prev2 := make([]int, bl+1)
	prev := make([]int, bl+1)
	cur := make([]int, bl+1)
	for j := 0; j <= bl; j++ {
		prev[j] = j
	}

	for i := 1; i <= al; i++ {
		cur[0] = i
		for j := 1; j <= bl; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				cur[j] = min(cur[j], prev2[j-2]+1)
			}
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[bl]
}

// substringDistance is the smallest edit distance between needle and any
// substring of hay (free start and end in hay).
func substringDistance(needle, hay []rune) int {
	nl, hl := len(needle), len(hay)
	if nl == 0 {
		return 0
	}
	if hl == 0 {
		return nl
	}
	prev := make([]int, hl+1) // row 0 is all zeros: a match may start anywhere
	cur := make([]int, hl+1)
	for i := 1; i <= nl; i++ {
		cur[0] = i
		for j := 1; j <= hl; j++ {
			cost := 1
			if needle[i-1] == hay[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	best := prev[0]
	for _, v := range prev[1:] {
		best = min(best, v)
	}
	return best
}
