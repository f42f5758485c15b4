package vault

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kilupskalvis/filevault/internal/models"
	"golang.org/x/sync/errgroup"
)

// ScrubResult lists the outcome of a full verification pass.
type ScrubResult struct {
	Checked int      `json:"checked"`
	Corrupt []string `json:"corrupt"`
	Missing []string `json:"missing"`
	Cleared []string `json:"cleared"`
}

// Scrub re-hashes every indexed blob. Mismatching or missing blobs are
// flagged corrupt; flagged blobs that verify again are cleared.
func (s *Service) Scrub(ctx context.Context) (*ScrubResult, error) {
	blobs, err := s.index.List(ctx, s.db.Querier())
	if err != nil {
		return nil, ioError("scrub list blobs", err)
	}

	var mu sync.Mutex
	result := &ScrubResult{Corrupt: []string{}, Missing: []string{}, Cleared: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ScrubConcurrency)
	for _, b := range blobs {
		g.Go(func() error {
			outcome, err := s.scrubOne(gctx, b)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			result.Checked++
			fp := b.Fingerprint.String()
			switch outcome {
			case scrubCorrupt:
				result.Corrupt = append(result.Corrupt, fp)
			case scrubMissing:
				result.Missing = append(result.Missing, fp)
			case scrubCleared:
				result.Cleared = append(result.Cleared, fp)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ioError("scrub", err)
	}

	sort.Strings(result.Corrupt)
	sort.Strings(result.Missing)
	sort.Strings(result.Cleared)

	s.logger.Info("scrub complete",
		"checked", result.Checked,
		"corrupt", len(result.Corrupt),
		"missing", len(result.Missing),
		"cleared", len(result.Cleared),
	)
	return result, nil
}

type scrubOutcome int

const (
	scrubOK scrubOutcome = iota
	scrubCorrupt
	scrubMissing
	scrubCleared
)

func (s *Service) scrubOne(ctx context.Context, b *models.Blob) (scrubOutcome, error) {
	err := s.verifyBlob(ctx, b.Fingerprint)
	switch {
	case err == nil:
		if b.Corrupted() {
			if err := s.index.ClearCorrupt(ctx, s.db.Querier(), b.Fingerprint); err != nil {
				return scrubOK, err
			}
			return scrubCleared, nil
		}
		return scrubOK, nil
	case errors.Is(err, ErrCorrupted):
		has, herr := s.blobs.Has(ctx, b.Fingerprint)
		if herr == nil && !has {
			return scrubMissing, nil
		}
		return scrubCorrupt, nil
	default:
		return scrubOK, err
	}
}
