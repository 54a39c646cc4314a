// Package router classifies an incoming query into a flow kind and extracts
// structured context from it, using the Capability Index's tags and
// keywords to resolve ambiguity and gauge relevance.
package router

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/orchestrator/internal/capindex"
	"github.com/antigravity-dev/orchestrator/internal/orcherrors"
)

// FlowKind identifies which planning strategy the Planner should use.
type FlowKind string

const (
	FlowPlot        FlowKind = "plot"
	FlowPDFTracking FlowKind = "pdf_tracking"
	FlowDynamic     FlowKind = "dynamic"
)

// WeekRange is an inclusive ISO-8601 (year, week) range, Monday week start.
type WeekRange struct {
	FromYear, FromWeek int
	ToYear, ToWeek     int
}

// Context is the Router's structured extraction from a query: recognized
// fields are set, unrecognized ones are simply absent (zero value + the
// corresponding Has* flag where ambiguity between "zero" and "absent"
// matters).
type Context struct {
	OutletID       int
	HasOutletID    bool
	WeekCount      int
	HasWeekCount   bool
	MonthCount     int
	HasMonthCount  bool
	WeekRange      WeekRange
	HasWeekRange   bool
	FilePath       string
	ProductFilter  string
	TrackingID     string
	InvoiceNumber  string
}

// Query is the Router's input.
type Query struct {
	Text     string
	FilePath string
	// Now overrides the clock used for week_range computation, for
	// deterministic testing. Zero value means "use time.Now()".
	Now time.Time
}

var (
	lastNPattern    = regexp.MustCompile(`(?i)last\s+(\d+)\s+(week|month)s?`)
	outletPattern   = regexp.MustCompile(`(?i)outlet\s+(\d+)`)
	productPattern  = regexp.MustCompile(`(?i)\bfor\s+([a-zA-Z][a-zA-Z0-9_-]*)\b`)
	isoWeekPattern  = regexp.MustCompile(`(\d{4})-W(\d{2})`)
	trackingPattern = regexp.MustCompile(`(?i)\btracking(?:\s*(?:id|#|number))?\s*[:#]?\s*([A-Za-z0-9-]+)`)
	invoicePattern  = regexp.MustCompile(`(?i)\binvoice(?:\s*(?:number|#))?\s*[:#]?\s*([A-Za-z0-9-]+)`)

	plotKeywords = []string{"plot", "chart", "graph", "trend", "visualize", "show"}
	pdfKeywords  = []string{"invoice", "tracking", "extract", "vendor"}
)

const minFlowScore = 1.0

// Route classifies q into a flow kind and extracts its Context, consulting
// idx for tag/keyword relevance when the query text alone is ambiguous.
// suggestedTools carries the Capability Index entries that scored highest
// against the raw query text, for the Planner's dynamic-flow synthesis.
func Route(ctx context.Context, idx *capindex.Index, q Query) (FlowKind, Context, []capindex.ScoredEntry, error) {
	extracted := extractContext(q)

	suggested := idx.Search(ctx, q.Text)

	flow, err := classify(q, extracted, suggested)
	if err != nil {
		return "", Context{}, nil, err
	}
	return flow, extracted, suggested, nil
}

func classify(q Query, c Context, suggested []capindex.ScoredEntry) (FlowKind, error) {
	lower := strings.ToLower(q.Text)

	plotScore := keywordScore(lower, plotKeywords)
	pdfScore := keywordScore(lower, pdfKeywords)
	if dominant := dominantToolScore(suggested, "plotly"); dominant > plotScore {
		plotScore = dominant
	}

	isPDFFile := strings.HasSuffix(strings.ToLower(q.FilePath), ".pdf") || strings.HasSuffix(strings.ToLower(c.FilePath), ".pdf")
	if isPDFFile {
		pdfScore += minFlowScore
	}

	extractorFired := c.HasOutletID || c.HasWeekCount || c.HasMonthCount || c.HasWeekRange ||
		c.ProductFilter != "" || c.TrackingID != "" || c.InvoiceNumber != "" || c.FilePath != ""

	switch {
	case pdfScore >= minFlowScore && pdfScore >= plotScore:
		return FlowPDFTracking, nil
	case plotScore >= minFlowScore:
		return FlowPlot, nil
	case isPDFFile:
		return FlowPDFTracking, nil
	case extractorFired:
		// Ties broken by: presence of file_path -> prefer pdf_tracking;
		// else prefer plot; else dynamic.
		if c.FilePath != "" {
			return FlowPDFTracking, nil
		}
		return FlowPlot, nil
	case len(suggested) > 0:
		return FlowDynamic, nil
	default:
		return "", orcherrors.New(orcherrors.CodeAmbiguousFlow, "no tag exceeded the minimum score and no context extractor fired")
	}
}

func keywordScore(lowerText string, keywords []string) float64 {
	var score float64
	for _, kw := range keywords {
		if strings.Contains(lowerText, kw) {
			score += minFlowScore
		}
	}
	return score
}

func dominantToolScore(suggested []capindex.ScoredEntry, toolNameContains string) float64 {
	for _, s := range suggested {
		if strings.Contains(s.Entry.Name, toolNameContains) {
			return s.Score
		}
	}
	return 0
}

func extractContext(q Query) Context {
	var c Context
	c.FilePath = q.FilePath

	if m := lastNPattern.FindStringSubmatch(q.Text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			switch strings.ToLower(m[2]) {
			case "week":
				c.WeekCount = n
				c.HasWeekCount = true
			case "month":
				c.MonthCount = n
				c.HasMonthCount = true
			}
		}
	}

	if m := outletPattern.FindStringSubmatch(q.Text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			c.OutletID = n
			c.HasOutletID = true
		}
	}

	if m := productPattern.FindStringSubmatch(q.Text); m != nil {
		c.ProductFilter = m[1]
	}

	if isoWeeks := isoWeekPattern.FindAllStringSubmatch(q.Text, -1); len(isoWeeks) > 0 {
		from := parseISOWeekToken(isoWeeks[0])
		to := from
		if len(isoWeeks) > 1 {
			to = parseISOWeekToken(isoWeeks[len(isoWeeks)-1])
		}
		c.WeekRange = WeekRange{FromYear: from.year, FromWeek: from.week, ToYear: to.year, ToWeek: to.week}
		c.HasWeekRange = true
	} else if c.HasWeekCount {
		now := q.Now
		if now.IsZero() {
			now = time.Now()
		}
		c.WeekRange = weekRangeEndingNow(now, c.WeekCount)
		c.HasWeekRange = true
	}

	if m := trackingPattern.FindStringSubmatch(q.Text); m != nil {
		c.TrackingID = m[1]
	}
	if m := invoicePattern.FindStringSubmatch(q.Text); m != nil {
		c.InvoiceNumber = m[1]
	}

	return c
}

type isoWeek struct{ year, week int }

func parseISOWeekToken(m []string) isoWeek {
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])
	return isoWeek{year: year, week: week}
}

// weekRangeEndingNow computes the inclusive ISO week range
// (currentWeek - n + 1, currentWeek) ending at now's ISO week, per spec.md
// §4.1. A count <= 0 degenerates to a single-week range at now.
func weekRangeEndingNow(now time.Time, n int) WeekRange {
	if n <= 0 {
		n = 1
	}
	toYear, toWeek := now.ISOWeek()
	fromYear, fromWeek := toYear, toWeek-(n-1)
	for fromWeek < 1 {
		fromYear--
		fromWeek += weeksInISOYear(fromYear)
	}
	return WeekRange{FromYear: fromYear, FromWeek: fromWeek, ToYear: toYear, ToWeek: toWeek}
}

// weeksInISOYear returns 52 or 53, the number of ISO weeks in year.
func weeksInISOYear(year int) int {
	// December 28th always falls in the year's last ISO week.
	dec28 := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC)
	_, week := dec28.ISOWeek()
	return week
}
