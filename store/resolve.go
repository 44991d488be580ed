package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	virtualzarr "github.com/earthdatalab/virtualzarr"
	"github.com/earthdatalab/virtualzarr/telemetry"
)

// resolveChunk translates one chunk key into a remote request, tries the
// transport fallback chain, and assembles the full chunk buffer with
// fill-value backfill for temporal positions outside the dataset's native
// coverage.
func (s *Store) resolveChunk(ctx context.Context, rv *remoteVar, ck virtualzarr.ChunkKey) ([]byte, error) {
	req, lead, err := s.buildRequest(rv, ck)
	if err != nil {
		return nil, err
	}

	data, err := s.fetchViaTransports(ctx, ck, req)
	if err != nil {
		return nil, err
	}

	chunk, err := s.assemble(rv, req, data, lead)
	if err != nil {
		return nil, fmt.Errorf("assembling chunk %s: %w", ck, err)
	}

	out, err := compress(chunk, defaultCompressor)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk %s: %w", ck, err)
	}

	s.logger.Debug("chunk resolved",
		"key", ck.String(),
		"bytes", len(out),
		"digest", virtualzarr.HashBytes(out).ShortString(),
	)
	return out, nil
}

// buildRequest derives the remote request for a chunk: the covered
// temporal sub-range from the time-chunk index, and per-dimension native
// index ranges offset by any spatial clip recorded at construction. The
// returned lead is the count of temporal positions at the front of the
// chunk that fall outside coverage and take fill values.
func (s *Store) buildRequest(rv *remoteVar, ck virtualzarr.ChunkKey) (*ChunkRequest, int, error) {
	req := &ChunkRequest{
		Dataset:  s.meta.ID,
		Variable: ck.Variable,
		DType:    rv.meta.DType,
		Steps:    1,
		TimeAxis: rv.timeAxis,
		Ranges:   make([]DimRange, len(rv.meta.Dimensions)),
	}

	lead := 0
	for d, name := range rv.meta.Dimensions {
		if d == rv.timeAxis {
			continue
		}
		start := rv.offsets[d] + ck.Index[d]*rv.chunks[d]
		stop := start + rv.chunks[d]
		if limit := rv.offsets[d] + rv.shape[d]; stop > limit {
			stop = limit
		}
		req.Ranges[d] = DimRange{Name: name, Start: start, Stop: stop}
	}

	if rv.timeAxis >= 0 {
		t := rv.timeAxis
		lo := ck.Index[t] * rv.chunks[t]
		hi := lo + rv.chunks[t]
		if hi > len(s.timeGrid) {
			hi = len(s.timeGrid)
		}

		// Trim the grid positions outside native coverage; they are
		// backfilled rather than requested.
		coverage := s.meta.Coverage
		for lo < hi && !s.timeGrid[lo].Overlaps(coverage) {
			lo++
			lead++
		}
		for hi > lo && !s.timeGrid[hi-1].Overlaps(coverage) {
			hi--
		}
		if lo >= hi {
			return nil, 0, fmt.Errorf("%w: chunk %s lies entirely outside coverage %s", virtualzarr.ErrChunkUnresolvable, ck, coverage)
		}

		req.Steps = hi - lo
		req.Units = make([]virtualzarr.TimeInterval, 0, hi-lo)
		for _, unit := range s.timeGrid[lo:hi] {
			req.Units = append(req.Units, unit.Intersect(coverage))
		}
		req.Interval = virtualzarr.Interval(s.timeGrid[lo].Start, s.timeGrid[hi-1].End).Intersect(coverage)
		req.Ranges[rv.timeAxis] = DimRange{Name: s.meta.TimeDimension, Start: lo, Stop: hi}
	}

	return req, lead, nil
}

// fetchViaTransports tries each transport in priority order; the first
// yielding data wins. All failures are collected for diagnostics.
func (s *Store) fetchViaTransports(ctx context.Context, ck virtualzarr.ChunkKey, req *ChunkRequest) ([]byte, error) {
	var attempts []error
	for _, t := range s.transports {
		start := time.Now()
		data, err := t.Fetch(ctx, req)
		if err != nil {
			telemetry.RecordChunkFetch(ctx, t.Name(), time.Since(start), 0, "error")
			s.logger.Debug("transport failed", "key", ck.String(), "transport", t.Name(), "error", err)
			attempts = append(attempts, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		telemetry.RecordChunkFetch(ctx, t.Name(), time.Since(start), int64(len(data)), "success")
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", virtualzarr.ErrChunkUnresolvable, ck, errors.Join(attempts...))
}

// assemble places the fetched region into a full-size chunk buffer
// pre-filled with the variable's fill value. The region sits at the lead
// offset along the time axis; spatial axes are origin-aligned, so edge
// chunks pad at the high end.
func (s *Store) assemble(rv *remoteVar, req *ChunkRequest, data []byte, lead int) ([]byte, error) {
	itemSize, err := rv.meta.DType.ItemSize()
	if err != nil {
		return nil, err
	}

	n := 1
	for _, c := range rv.chunks {
		n *= c
	}
	buf, err := fillBuffer(n, rv.meta.DType, rv.meta.FillValue)
	if err != nil {
		return nil, err
	}

	offsets := make([]int, len(rv.chunks))
	if rv.timeAxis >= 0 {
		offsets[rv.timeAxis] = lead
	}
	if err := copyRegion(buf, rv.chunks, data, req.Region(), offsets, itemSize); err != nil {
		return nil, err
	}
	return buf, nil
}
