// Package anomaly watches the security-event feed for bursts of
// denials that suggest credential probing, permission scanning, or a
// misbehaving client.
package anomaly

import (
	"sort"
	"sync"
	"time"

	"kassa.app/internal/audit"
)

const (
	defaultWindow    = 15 * time.Minute
	defaultThreshold = 10
	topOffenders     = 10
)

// Detector keeps sliding-window denial counters per actor and per IP.
// Keys are pruned lazily on observation and on Summary, so memory stays
// proportional to actors active inside the window.
type Detector struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time

	byActor map[string][]time.Time
	byIP    map[string][]time.Time
	byEvent map[string]int64
	total   int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.window = d
		}
	}
}

// WithThreshold sets how many denials inside the window flag a key.
func WithThreshold(n int) Option {
	return func(det *Detector) {
		if n > 0 {
			det.threshold = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(fn func() time.Time) Option {
	return func(det *Detector) {
		if fn != nil {
			det.now = fn
		}
	}
}

func New(opts ...Option) *Detector {
	d := &Detector{
		window:    defaultWindow,
		threshold: defaultThreshold,
		now:       time.Now,
		byActor:   make(map[string][]time.Time),
		byIP:      make(map[string][]time.Time),
		byEvent:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe feeds one audit entry into the counters. Entries that are
// not security events are ignored, so the detector can sit directly on
// the broker feed.
func (d *Detector) Observe(e audit.Entry) {
	if e.Action != audit.ActionSecurityEvent {
		return
	}
	now := d.now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	event, _ := e.Metadata["event"].(string)
	if event == "" {
		event = "UNKNOWN"
	}
	d.byEvent[event]++
	d.total++

	if e.ActorID != "" && e.ActorID != audit.SystemActor {
		d.byActor[e.ActorID] = observe(d.byActor[e.ActorID], now, d.window)
	}
	if e.IP != "" {
		d.byIP[e.IP] = observe(d.byIP[e.IP], now, d.window)
	}
}

func observe(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	hits = append(hits, now)
	cutoff := now.Add(-window)
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	return hits[i:]
}

// Offender is a key with its denial count inside the window.
type Offender struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary is the security picture served to the admin dashboard:
// lifetime totals by event code plus windowed per-key activity, with
// keys past the threshold called out.
type Summary struct {
	WindowSeconds int64            `json:"windowSeconds"`
	Threshold     int              `json:"threshold"`
	TotalEvents   int64            `json:"totalEvents"`
	EventCounts   map[string]int64 `json:"eventCounts"`
	TopActors     []Offender       `json:"topActors"`
	TopIPs        []Offender       `json:"topIps"`
	FlaggedActors []string         `json:"flaggedActors"`
	FlaggedIPs    []string         `json:"flaggedIps"`
	GeneratedAt   time.Time        `json:"generatedAt"`
}

// Summary prunes expired observations and reports current state.
func (d *Detector) Summary() Summary {
	now := d.now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	events := make(map[string]int64, len(d.byEvent))
	for k, v := range d.byEvent {
		events[k] = v
	}

	topActors, flaggedActors := d.report(d.byActor, now)
	topIPs, flaggedIPs := d.report(d.byIP, now)

	return Summary{
		WindowSeconds: int64(d.window.Seconds()),
		Threshold:     d.threshold,
		TotalEvents:   d.total,
		EventCounts:   events,
		TopActors:     topActors,
		TopIPs:        topIPs,
		FlaggedActors: flaggedActors,
		FlaggedIPs:    flaggedIPs,
		GeneratedAt:   now,
	}
}

// report prunes m in place and returns its top offenders plus the keys
// at or past the threshold. Caller holds the lock.
func (d *Detector) report(m map[string][]time.Time, now time.Time) ([]Offender, []string) {
	cutoff := now.Add(-d.window)
	offenders := make([]Offender, 0, len(m))
	var flagged []string

	for key, hits := range m {
		i := 0
		for i < len(hits) && hits[i].Before(cutoff) {
			i++
		}
		hits = hits[i:]
		if len(hits) == 0 {
			delete(m, key)
			continue
		}
		m[key] = hits
		offenders = append(offenders, Offender{Key: key, Count: len(hits)})
		if len(hits) >= d.threshold {
			flagged = append(flagged, key)
		}
	}

	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Count != offenders[j].Count {
			return offenders[i].Count > offenders[j].Count
		}
		return offenders[i].Key < offenders[j].Key
	})
	if len(offenders) > topOffenders {
		offenders = offenders[:topOffenders]
	}
	sort.Strings(flagged)
	return offenders, flagged
}
