package places

import (
	"math"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
	"github.com/starfail/dwell/pkg/gps"
)

// BatchResult summarizes one MergeBatch call
type BatchResult struct {
	Created   int `json:"created"`
	Merged    int `json:"merged"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
}

// newPlaceFromAnchor builds a candidate from a live dwell: one open visit
// starting when the anchor was first seen
func (r *Registry) newPlaceFromAnchor(anchor *pendingAnchor, now time.Time) *pkg.Place {
	return &pkg.Place{
		ID:            r.newID(),
		Coordinate:    anchor.coord,
		Radius:        math.Max(r.config.GridCellSize, r.config.MinRadius),
		Category:      pkg.CategoryOther,
		Visits:        []pkg.Visit{{Arrival: anchor.since}},
		CreatedAt:     now,
		LastVisitedAt: anchor.since,
	}
}

// newPlaceFromCluster builds a candidate from batch history: one closed
// visit per member point
func (r *Registry) newPlaceFromCluster(cluster gps.PlaceCluster, now time.Time) *pkg.Place {
	p := &pkg.Place{
		ID:         r.newID(),
		Coordinate: cluster.Centroid,
		Radius:     math.Max(cluster.SpreadRadius, r.config.MinRadius),
		Category:   pkg.CategoryOther,
		Visits:     make([]pkg.Visit, 0, len(cluster.Members)),
		CreatedAt:  now,
	}
	for _, m := range cluster.Members {
		dep := m.End()
		p.Visits = append(p.Visits, pkg.Visit{Arrival: m.Start, Departure: &dep})
		if dep.After(p.LastVisitedAt) {
			p.LastVisitedAt = dep
		}
	}
	p.SortVisits()
	return p
}

// MergeBatch folds clusters from historical sessions into the collection.
// Running it again with the same clusters changes nothing.
func (r *Registry) MergeBatch(clusters []gps.PlaceCluster) BatchResult {
	r.mu.Lock()
	now := r.clock()
	var result BatchResult
	var events []PlaceEvent

	for _, cluster := range clusters {
		candidate := r.newPlaceFromCluster(cluster, now)
		if owner := r.dropRecordedLocked(candidate); len(candidate.Visits) == 0 {
			if owner != nil {
				result.Unchanged++
			} else {
				result.Skipped++
			}
			continue
		}
		before := len(r.places)
		target, evs := r.upsertLocked(candidate, r.config.MinVisitsForPlace, r.config.MinVisitsForMerge, now)
		switch {
		case target == nil:
			result.Skipped++
		case len(r.places) > before:
			result.Created++
		case len(evs) > 0:
			result.Merged++
		default:
			result.Unchanged++
		}
		events = append(events, evs...)
	}
	r.mu.Unlock()

	r.logger.Info("batch merged",
		"clusters", len(clusters),
		"created", result.Created,
		"merged", result.Merged,
		"unchanged", result.Unchanged,
		"skipped", result.Skipped,
	)
	r.dispatch(events)
	return result
}

// upsertLocked is the single path by which candidates enter the collection:
// merge into the closest overlapping place, or insert. minInsert and
// minMerge gate on the candidate's visit count.
func (r *Registry) upsertLocked(candidate *pkg.Place, minInsert, minMerge int, now time.Time) (*pkg.Place, []PlaceEvent) {
	n := len(candidate.Visits)

	if target := r.mergeTargetLocked(candidate); target != nil {
		if n < minMerge {
			return nil, nil
		}
		if !mergeInto(target, candidate) {
			return target, nil
		}
		r.categorizeLocked(target)
		r.logger.Debug("place merged", "place_id", target.ID, "visits", len(target.Visits), "radius_m", target.Radius)
		return target, []PlaceEvent{r.event(EventPlaceMerged, target, now)}
	}

	if n < minInsert {
		return nil, nil
	}
	r.categorizeLocked(candidate)
	r.places = append(r.places, candidate)
	r.logger.Info("place created",
		"place_id", candidate.ID,
		"lat", candidate.Coordinate.Latitude,
		"lon", candidate.Coordinate.Longitude,
		"radius_m", candidate.Radius,
		"visits", n,
	)
	return candidate, []PlaceEvent{r.event(EventPlaceCreated, candidate, now)}
}

// mergeTargetLocked returns the closest place whose radius overlaps the candidate's
func (r *Registry) mergeTargetLocked(candidate *pkg.Place) *pkg.Place {
	var best *pkg.Place
	bestDist := math.MaxFloat64
	for _, p := range r.places {
		d := geo.Distance(p.Coordinate, candidate.Coordinate)
		if d <= p.Radius+candidate.Radius && d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

// dropRecordedLocked removes candidate visits that overlap a visit already
// held by a place other than the merge target. A stay belongs to one place
// even after centroids drift between batches. It returns the place holding
// the last dropped visit.
func (r *Registry) dropRecordedLocked(candidate *pkg.Place) *pkg.Place {
	target := r.mergeTargetLocked(candidate)
	var owner *pkg.Place

	kept := candidate.Visits[:0]
	for _, v := range candidate.Visits {
		if p := r.visitOwnerLocked(v, target); p != nil {
			owner = p
			continue
		}
		kept = append(kept, v)
	}
	candidate.Visits = kept

	candidate.LastVisitedAt = time.Time{}
	for _, v := range kept {
		if end := v.End(); end.After(candidate.LastVisitedAt) {
			candidate.LastVisitedAt = end
		}
	}
	return owner
}

// visitOwnerLocked returns the first place other than skip with a visit
// overlapping v
func (r *Registry) visitOwnerLocked(v pkg.Visit, skip *pkg.Place) *pkg.Place {
	for _, p := range r.places {
		if p != skip && overlappingVisit(p.Visits, v) >= 0 {
			return p
		}
	}
	return nil
}

// mergeInto folds candidate into target and reports whether target changed.
// Visits overlapping an existing one extend it instead of being appended,
// and only appended visits pull the centroid.
func mergeInto(target, candidate *pkg.Place) bool {
	prior := len(target.Visits)
	added := 0
	changed := false

	for _, v := range candidate.Visits {
		if i := overlappingVisit(target.Visits, v); i >= 0 {
			if extendVisit(target, i, v) {
				changed = true
			}
			continue
		}
		target.Visits = append(target.Visits, copyVisit(v))
		added++
		changed = true
	}

	if added > 0 {
		target.Coordinate = geo.WeightedMean(target.Coordinate, float64(prior), candidate.Coordinate, float64(added))
	}
	if changed {
		target.SortVisits()
	}
	if candidate.LastVisitedAt.After(target.LastVisitedAt) {
		target.LastVisitedAt = candidate.LastVisitedAt
		changed = true
	}
	return changed
}

// overlappingVisit returns the index of the first visit sharing any time
// with v. Open visits extend indefinitely.
func overlappingVisit(visits []pkg.Visit, v pkg.Visit) int {
	for i, existing := range visits {
		if !existing.Arrival.After(visitEnd(v)) && !v.Arrival.After(visitEnd(existing)) {
			return i
		}
	}
	return -1
}

var openEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func visitEnd(v pkg.Visit) time.Time {
	if v.Departure == nil {
		return openEnd
	}
	return *v.Departure
}

// extendVisit widens target.Visits[i] to cover v
func extendVisit(target *pkg.Place, i int, v pkg.Visit) bool {
	dst := &target.Visits[i]
	changed := false

	if v.Arrival.Before(dst.Arrival) {
		dst.Arrival = v.Arrival
		changed = true
	}
	switch {
	case dst.Departure == nil:
	case v.Departure == nil:
		if target.OpenVisit() == nil {
			dst.Departure = nil
			changed = true
		}
	case v.Departure.After(*dst.Departure):
		dep := *v.Departure
		dst.Departure = &dep
		changed = true
	}
	return changed
}

func copyVisit(v pkg.Visit) pkg.Visit {
	out := pkg.Visit{Arrival: v.Arrival}
	if v.Departure != nil {
		dep := *v.Departure
		out.Departure = &dep
	}
	return out
}
