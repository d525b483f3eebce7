package cachebuild

import (
	"context"
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/PureDarwin/dyldcache/pkg/adjust"
	"github.com/PureDarwin/dyldcache/pkg/aslr"
	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/diag"
	"github.com/PureDarwin/dyldcache/pkg/layout"
	"github.com/PureDarwin/dyldcache/pkg/linkedit"
	"github.com/PureDarwin/dyldcache/pkg/selector"
	"github.com/PureDarwin/dyldcache/pkg/sign"
	"github.com/PureDarwin/dyldcache/pkg/slideinfo"
	"github.com/PureDarwin/dyldcache/types"
)

// adjustWorkers bounds how many dylibs C6 rewrites concurrently
// (spec.md §5's concurrency guidance, pkg/aslr's doc comment licensing
// a parallel variant of the reference sequential policy).
const adjustWorkers = 8

// Build runs spec.md's full pipeline — C1 load/filter, C2 selector
// placement, C4 layout (looping back on overflow per spec.md §4.4),
// C6 per-dylib adjustment, C7 link-edit merge, C8 slide-info emission,
// and C9 ad-hoc signing — against fsys and opts, returning the
// assembled, signed cache image.
func Build(fsys cacheinput.FS, opts Options) (*Result, error) {
	d := &diag.Diagnostic{}

	mustInclude := make(map[string]bool, len(opts.MustInclude))
	for _, p := range opts.MustInclude {
		mustInclude[p] = true
	}

	log.Info("cachebuild: loading input dylibs")
	loadRes, err := cacheinput.Load(fsys, opts.Paths, mustInclude, opts.Denylist)
	if err != nil {
		return nil, errors.Wrap(err, "cachebuild: load")
	}
	d.Warnings = append(d.Warnings, loadRes.Diag.Warnings...)

	cacheable, other := cacheinput.VerifySelfContained(loadRes.Cacheable, loadRes.Other, d)
	if d.Failed() {
		return nil, d.Err()
	}
	log.Infof("cachebuild: %d cacheable dylibs, %d demoted", len(cacheable), len(other))

	if len(opts.OrderFile) > 0 {
		cacheinput.ApplyOrderFile(cacheable, opts.OrderFile)
	}

	cfg := layout.Config{
		SharedRegionStart: opts.SharedRegionStart,
		PermittedWindow:   opts.PermittedWindow,
		PageAlign:         opts.pageAlign(),
		HeaderReserve:     opts.HeaderReserve,
		SupportsAuth:      opts.SupportsAuth,
		DirtyDataOrder:    opts.DirtyDataOrder,
		MaxBranchRange:    opts.MaxBranchRange,
		BranchIslandSize:  opts.BranchIslandSize,

		// HasAuthFixups is approximated from the dylib's own chained-
		// fixups flag: real per-segment auth-bit detection needs C6's
		// fixup walk, which hasn't happened yet at layout time (see
		// pkg/layout.Config's own doc comment). Recorded as an Open
		// Question decision in DESIGN.md.
		HasAuthFixups: func(dy *cacheinput.Dylib, segment string) bool { return dy.HasChainedFixups },
		ConstEligible: func(dy *cacheinput.Dylib, segment string) bool { return true },
		IsDirty: func(dy *cacheinput.Dylib, segment string) bool {
			return containsString(opts.DirtyDataOrder, dy.InstallName)
		},
		// TrimBytes always reports zero: this driver doesn't run a C3
		// text-pool coalescing pass ahead of layout, so there's nothing
		// for layout to trim (Open Question decision in DESIGN.md).
		TrimBytes: func(dy *cacheinput.Dylib, segment string) uint64 { return 0 },
	}

	var plan *layout.Plan
	var placementResult *selector.Result
	var evicted []string

	maxAttempts := len(cacheable) + 1
	for attempt := 0; ; attempt++ {
		classes := extractClasses(cacheable)
		placementResult, err = selector.Place(classes, d)
		if err != nil {
			return nil, errors.Wrap(err, "cachebuild: selector placement")
		}
		cfg.ObjCPoolSize = placementResult.PoolSize

		plan, err = layout.Plan(cacheable, placementResult.Classes, cfg, d)
		if err == nil {
			break
		}
		overflow, ok := err.(*layout.OverflowError)
		if !ok {
			return nil, errors.Wrap(err, "cachebuild: layout")
		}
		if !opts.EvictOnOverflow || attempt >= maxAttempts {
			return nil, errors.Wrap(overflow, "cachebuild: layout overflow, eviction disabled or exhausted")
		}
		log.Warnf("cachebuild: layout overflow by %d bytes in %s, evicting leaves", overflow.OverflowBytes, overflow.Region)
		kept, ev, evErr := cacheinput.EvictLeaves(cacheable, overflow.OverflowBytes, d)
		if evErr != nil {
			return nil, errors.Wrap(evErr, "cachebuild: eviction")
		}
		cacheable = kept
		for _, e := range ev {
			evicted = append(evicted, e.InstallName)
		}
	}
	log.Infof("cachebuild: layout settled, %d bytes, %d branch islands", plan.End-opts.SharedRegionStart, len(plan.BranchIslands))

	tracker := aslr.NewTracker(opts.MinimumFixupAlignment)
	lo, hi := dataRegionBounds(plan)
	if hi > lo {
		tracker.SetDataRegion(lo, hi)
	}

	slider := newPlacementSlider(plan)
	islands := adjust.NewIslandRouter(plan.BranchIslands)

	results, err := adjustAll(cacheable, plan, slider, tracker, islands, d)
	if err != nil {
		return nil, errors.Wrap(err, "cachebuild: adjust")
	}
	log.Infof("cachebuild: adjusted %d dylibs", len(results))

	merged := linkedit.Merge(results, opts.StripLocals)

	buf := assembleImage(opts, plan, results, merged, d)
	for _, isl := range plan.BranchIslands {
		copyInto(buf, isl.Addr-opts.SharedRegionStart, islands.Stub(isl.Addr))
	}

	headerBytes, err := buildCacheHeader(opts, plan, cacheable)
	if err != nil {
		return nil, errors.Wrap(err, "cachebuild: building cache header")
	}
	copyInto(buf, 0, headerBytes)

	for _, span := range dataSpansFor(plan) {
		res, slErr := buildSlideInfoForSpan(buf, opts, tracker, span)
		if slErr != nil {
			d.Warnf("slide info for %s: %v", span.Region, slErr)
			continue
		}
		encoded := encodeSlideInfo(res)
		slideSpanOff := findSpan(plan, layout.RegionSlideInfo).Start - opts.SharedRegionStart
		copyInto(buf, slideSpanOff, encoded)
	}

	// CacheHeader.UUID sits at its own fixed field offset within the
	// header buildCacheHeader just wrote; sign.Sign patches that span
	// in place once the code directory hash is known.
	uuidOffset := uint64(types.CacheHeaderUUIDOffset)
	signCfg := sign.Config{
		PageSize:   opts.CachePageSize,
		Digest:     opts.Digest,
		Identifier: opts.Identifier,
		UUIDOffset: uuidOffset,
	}
	signRes, err := sign.Sign(buf, signCfg)
	if err != nil {
		return nil, errors.Wrap(err, "cachebuild: sign")
	}
	buf = append(buf, signRes.Signature...)

	res := &Result{
		Image:   buf,
		UUID:    signRes.UUID,
		CDHash:  signRes.CDHash,
		Evicted: evicted,
	}
	for _, w := range d.Warnings {
		res.Warnings = append(res.Warnings, w.String())
	}

	if opts.MapFile {
		res.MapFileText, res.MapFileJSON = buildMapFile(plan, results)
	}

	log.Infof("cachebuild: done, %d bytes, uuid %x", len(res.Image), res.UUID)
	return res, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dataRegionBounds(plan *layout.Plan) (lo, hi uint64) {
	for _, s := range dataSpansFor(plan) {
		if lo == 0 || s.Start < lo {
			lo = s.Start
		}
		if s.End > hi {
			hi = s.End
		}
	}
	return
}

func dataSpansFor(plan *layout.Plan) []layout.RegionSpan {
	var out []layout.RegionSpan
	for _, s := range plan.Spans {
		switch s.Region {
		case layout.RegionData, layout.RegionDataConst, layout.RegionAuth, layout.RegionAuthConst:
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func buildSlideInfoForSpan(buf []byte, opts Options, tracker *aslr.Tracker, span layout.RegionSpan) (*slideinfo.Result, error) {
	if opts.SlideVersion == slideinfo.V1 {
		return slideinfo.BuildV1(tracker, span.Start, span.End)
	}
	lo := span.Start - opts.SharedRegionStart
	hi := span.End - opts.SharedRegionStart
	if hi > uint64(len(buf)) {
		hi = uint64(len(buf))
	}
	if lo >= hi {
		return nil, fmt.Errorf("empty data span")
	}
	cfg := slideinfo.Config{Version: opts.SlideVersion, PageSize: opts.CachePageSize}
	return slideinfo.BuildChained(buf[lo:hi], span.Start, span.End, tracker, cfg)
}

// adjustAll runs C6 across cacheable dylibs concurrently, bounded by
// adjustWorkers (spec.md §5's concurrency guidance): the shared
// aslr.Tracker is internally safe for this (atomic bitmap, mutexed
// side tables), but diag.Diagnostic is not, so each worker gets its
// own local Diagnostic, merged into d sequentially once every worker
// has finished.
func adjustAll(cacheable []*cacheinput.Dylib, plan *layout.Plan, slider *placementSlider, tracker *aslr.Tracker, islands *adjust.IslandRouter, d *diag.Diagnostic) ([]*adjust.Result, error) {
	byDylib := make(map[*cacheinput.Dylib][]layout.SegmentPlacement)
	for _, seg := range plan.Segments {
		byDylib[seg.Dylib] = append(byDylib[seg.Dylib], seg)
	}

	results := make([]*adjust.Result, len(cacheable))
	localDiags := make([]*diag.Diagnostic, len(cacheable))

	sem := semaphore.NewWeighted(adjustWorkers)
	g, ctx := errgroup.WithContext(context.Background())
	for i, dy := range cacheable {
		i, dy := i, dy
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			local := &diag.Diagnostic{}
			localDiags[i] = local
			placements := byDylib[dy]
			res, err := adjust.Dylib(dy, placements, slider, tracker, islands, local)
			if err != nil {
				return errors.Wrapf(err, "adjust %s", dy.InstallName)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, ld := range localDiags {
		if ld != nil {
			d.Warnings = append(d.Warnings, ld.Warnings...)
		}
	}
	return results, nil
}
