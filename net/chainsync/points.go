package chainsync

import "epochsync/core/header"

// RecentPointsLimit is how many local rows are sampled for FindIntersect.
const RecentPointsLimit = 33

// SelectIntersectPoints samples recent, ordered newest first, at positions 0
// and every power of two except 1, then appends fallbacks in order.
func SelectIntersectPoints(recent, fallbacks []header.Point) []header.Point {
	points := make([]header.Point, 0, 8+len(fallbacks))
	for i, p := range recent {
		if i != 1 && i&(i-1) == 0 {
			points = append(points, p)
		}
	}
	return append(points, fallbacks...)
}
