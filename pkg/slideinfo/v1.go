package slideinfo

import "github.com/PureDarwin/dyldcache/pkg/aslr"

const v1BitmapBytes = 128 // one bit per 4-byte slot across a 4 KiB page

// BuildV1 emits the legacy 32-bit bitmap format: one 128-byte bitmap
// per page, with identical bitmaps (most commonly the all-zero "no
// rebases on this page" case) collapsed to a single shared entry via
// the TOC (spec.md §4.8 V1).
func BuildV1(tracker *aslr.Tracker, regionStart, regionEnd uint64) (*Result, error) {
	const pageSize = 4096
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}

	res := &Result{Version: V1, PageSize: pageSize}
	seen := make(map[string]uint16)

	for pageStart := regionStart; pageStart < regionEnd; pageStart += pageSize {
		pageEnd := pageStart + pageSize
		if pageEnd > regionEnd {
			pageEnd = regionEnd
		}
		bitmap := make([]byte, v1BitmapBytes)
		touched := false
		for _, loc := range tracker.LocationsInRange(pageStart, pageEnd) {
			off := (loc - pageStart) / strideUnit
			bitmap[off/8] |= 1 << (off % 8)
			touched = true
		}
		if touched {
			res.PagesTouched++
		}
		key := string(bitmap)
		idx, ok := seen[key]
		if !ok {
			idx = uint16(len(res.Entries))
			seen[key] = idx
			res.Entries = append(res.Entries, bitmap)
		}
		res.TOC = append(res.TOC, idx)
	}
	return res, nil
}
