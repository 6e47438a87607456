// Package diag assembles a pprof-compatible profile of lock-order DAG
// acquisition counts and page/borrow population statistics, and
// offers Dedup, a wrapper over caller's distinct-call-chain tracking.
// lockdag's suspicious-edge warnings do not go through Dedup. Grounded on caller/caller.go's
// Distinct_caller_t and on go.mod already carrying
// github.com/google/pprof as a dependency.
package diag

import (
	"io"
	"time"

	"github.com/google/pprof/profile"

	"borrowreg"
	"caller"
	"lockdag"
	"pageown"
)

// / Dedup wraps caller.Distinct_caller_t so a suspicious lock-ordering
// / diagnostic reported from the same call chain is only counted once
// / per process lifetime.
type Dedup struct {
	dc caller.Distinct_caller_t
}

// / NewDedup returns a Dedup with distinct-call-chain tracking enabled.
func NewDedup() *Dedup {
	d := &Dedup{}
	d.dc.Enabled = true
	return d
}

// / Seen reports fresh=true, with the chain's formatted stack trace,
// / the first time the current call chain is seen, and fresh=false
// / once that chain has already been recorded.
func (d *Dedup) Seen() (fresh bool, stack string) {
	return d.dc.Distinct()
}

func function(id uint64, name string) *profile.Function {
	return &profile.Function{ID: id, Name: name, SystemName: name}
}

func location(id uint64, fn *profile.Function) *profile.Location {
	return &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
}

// / Snapshot builds a pprof profile with one sample per lock-order DAG
// / node, valued by its acquisition count, plus a synthetic "pages" and
// / "resources" node carrying the current population counts from owns
// / and reg. Write the result with (*profile.Profile).Write to produce
// / a standard gzipped pprof file any pprof-compatible viewer can open.
func Snapshot(owns *pageown.Table, reg *borrowreg.Registry) *profile.Profile {
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "acquisitions", Unit: "count"}},
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}

	var nextID uint64 = 1
	addSample := func(name string, value int64) {
		fn := function(nextID, name)
		loc := location(nextID, fn)
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{value},
		})
	}

	for name, count := range lockdag.NodeCounts() {
		addSample(name, count)
	}

	nowned, nshared, nmut := owns.Stats()
	addSample("pageown.owned", int64(nowned))
	addSample("pageown.shared", int64(nshared))
	addSample("pageown.mut", int64(nmut))

	rnowned, rnshared, rnmut := reg.Stats()
	addSample("borrowreg.owned", int64(rnowned))
	addSample("borrowreg.shared", int64(rnshared))
	addSample("borrowreg.mut", int64(rnmut))

	return p
}

// / Write renders Snapshot's profile in pprof's standard gzipped wire
// / format to w.
func Write(w io.Writer, owns *pageown.Table, reg *borrowreg.Registry) error {
	return Snapshot(owns, reg).Write(w)
}
