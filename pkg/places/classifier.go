package places

import (
	"math"
	"strings"
	"time"

	"github.com/starfail/dwell/pkg"
)

// ClassifierConfig holds the time windows used to infer a category
type ClassifierConfig struct {
	Location         *time.Location `json:"-"`
	NightStartHour   int            `json:"night_start_hour"`
	NightEndHour     int            `json:"night_end_hour"`
	WorkStartHour    int            `json:"work_start_hour"`
	WorkEndHour      int            `json:"work_end_hour"`
	MorningStartHour int            `json:"morning_start_hour"`
	MorningEndHour   int            `json:"morning_end_hour"`
}

// DefaultClassifierConfig returns the stock windows in local time
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Location:         time.Local,
		NightStartHour:   22,
		NightEndHour:     6,
		WorkStartHour:    9,
		WorkEndHour:      17,
		MorningStartHour: 5,
		MorningEndHour:   9,
	}
}

const (
	nameConfidence  = 0.85
	gymConfidence   = 0.6
	otherConfidence = 0.3

	homeMinRatio = 0.5
	homeMinDwell = 4 * time.Hour
	homeBase     = 0.5
	homeCap      = 0.95

	workMinRatio = 0.5
	workMinDwell = 3 * time.Hour
	workBase     = 0.4
	workCap      = 0.9

	gymMinDwell = 30 * time.Minute
	gymMaxDwell = 2 * time.Hour
)

// categoryKeywords is scanned in order; the first category with a match wins
var categoryKeywords = []struct {
	category pkg.Category
	keywords []string
}{
	{pkg.CategoryHome, []string{"home", "house", "apartment", "residence"}},
	{pkg.CategoryWork, []string{"office", "work", "company", "headquarters", "corporate"}},
	{pkg.CategoryGym, []string{"gym", "fitness", "sport", "yoga", "crossfit"}},
	{pkg.CategorySchool, []string{"school", "university", "college", "academy", "campus"}},
	{pkg.CategoryRestaurant, []string{"restaurant", "cafe", "coffee", "bistro", "diner", "bar", "pizzeria"}},
	{pkg.CategoryShopping, []string{"mall", "shop", "store", "market", "supermarket", "boutique"}},
}

// Classification is a category with its confidence in [0, 1]
type Classification struct {
	Category   pkg.Category
	Confidence float64
	Reason     string
}

// Classifier infers a place category from its visits and optional name
type Classifier struct {
	config ClassifierConfig
}

// NewClassifier creates a classifier, filling in the default time zone
func NewClassifier(config ClassifierConfig) *Classifier {
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Classifier{config: config}
}

// Classify maps visits and name to a category. A keyword hit in the name
// takes priority over the temporal rules, which are evaluated in fixed order.
func (c *Classifier) Classify(visits []pkg.Visit, name string) Classification {
	if name != "" {
		if category, ok := matchKeywords(name); ok {
			return Classification{Category: category, Confidence: nameConfidence, Reason: "name"}
		}
	}

	stats := c.visitStats(visits)
	switch {
	case stats.nightRatio >= homeMinRatio && stats.meanDwell >= homeMinDwell:
		return Classification{
			Category:   pkg.CategoryHome,
			Confidence: math.Min(homeCap, homeBase+0.5*stats.nightRatio),
			Reason:     "night",
		}
	case stats.workRatio >= workMinRatio && stats.meanDwell >= workMinDwell:
		return Classification{
			Category:   pkg.CategoryWork,
			Confidence: math.Min(workCap, workBase+0.5*stats.workRatio),
			Reason:     "work_hours",
		}
	case stats.meanDwell >= gymMinDwell && stats.meanDwell <= gymMaxDwell && stats.morningVisits > 0:
		return Classification{Category: pkg.CategoryGym, Confidence: gymConfidence, Reason: "morning"}
	default:
		return Classification{Category: pkg.CategoryOther, Confidence: otherConfidence, Reason: "default"}
	}
}

func matchKeywords(name string) (pkg.Category, bool) {
	lower := strings.ToLower(name)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category, true
			}
		}
	}
	return "", false
}

type visitStats struct {
	nightRatio    float64
	workRatio     float64
	meanDwell     time.Duration
	morningVisits int
}

func (c *Classifier) visitStats(visits []pkg.Visit) visitStats {
	var stats visitStats
	if len(visits) == 0 {
		return stats
	}

	var night, work, closed int
	var dwell time.Duration
	for _, v := range visits {
		arrival := v.Arrival.In(c.config.Location)
		hour := arrival.Hour()

		if c.isNight(hour) {
			night++
		}
		if isWeekday(arrival.Weekday()) && hour >= c.config.WorkStartHour && hour < c.config.WorkEndHour {
			work++
		}
		if hour >= c.config.MorningStartHour && hour < c.config.MorningEndHour {
			stats.morningVisits++
		}
		if v.Departure != nil {
			closed++
			dwell += v.Departure.Sub(v.Arrival)
		}
	}

	n := float64(len(visits))
	stats.nightRatio = float64(night) / n
	stats.workRatio = float64(work) / n
	if closed > 0 {
		stats.meanDwell = dwell / time.Duration(closed)
	}
	return stats
}

// isNight handles windows that wrap past midnight
func (c *Classifier) isNight(hour int) bool {
	start, end := c.config.NightStartHour, c.config.NightEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func isWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}
