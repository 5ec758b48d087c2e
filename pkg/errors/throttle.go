package errors

import (
	"sync"
	"time"
)

// siteStats describes how often errors from one call site were seen.
type siteStats struct {
	Total      int
	Suppressed int
	LastReport time.Time
}

// reportThrottle lets an error through at most once per silent window for
// each call site, counting the ones it holds back.
type reportThrottle struct {
	mu     sync.Mutex
	silent time.Duration
	now    func() time.Time
	sites  map[string]*siteStats
}

func newReportThrottle(silent time.Duration) *reportThrottle {
	return &reportThrottle{
		silent: silent,
		now:    time.Now,
		sites:  map[string]*siteStats{},
	}
}

// allow records one occurrence at site. When it reports true the returned
// stats describe the window that just closed: the previous report time and
// how many occurrences were held back since then.
func (t *reportThrottle) allow(site string) (siteStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st, ok := t.sites[site]
	if !ok {
		st = &siteStats{}
		t.sites[site] = st
	}
	st.Total++
	if !st.LastReport.IsZero() && now.Sub(st.LastReport) < t.silent {
		st.Suppressed++
		return *st, false
	}
	closed := *st
	st.Suppressed = 0
	st.LastReport = now
	return closed, true
}

// allowCaller keys the throttle by the frame that raised the error.
func (t *reportThrottle) allowCaller(stacks []string) (siteStats, bool) {
	return t.allow(stacks[2])
}
