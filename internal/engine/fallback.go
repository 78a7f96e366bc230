package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/agleyzer/hlsabr/internal/parser"
	"github.com/agleyzer/hlsabr/internal/transport"
)

// recover reacts to a failed download of t's current variant: another URI
// of the same variant first, then a lower bitrate. It returns an error
// when playback cannot continue.
func (s *Source) recover(ctx context.Context, t *track, cause error) error {
	if transport.IsCanceled(cause) {
		return cause
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(cause, parser.ErrMalformed) || errors.Is(cause, parser.ErrNotPlaylist) {
		err := fmt.Errorf("playlist of %s is unusable: %w", t.ct, cause)
		s.fail(err)
		return err
	}

	si := t.variant()
	if si == nil || t.alternate() != nil || s.master == nil {
		err := fmt.Errorf("%w: %s: %w", ErrAllVariantsFailed, t.ct, cause)
		s.fail(err)
		return err
	}

	s.logger.Warn("variant failed", "type", t.ct, "variant", si, "error", cause)
	s.quarantine(si, false)

	if si.NextBackup() {
		s.logger.Info("trying backup", "variant", si, "uri", si.URI())
		s.requestVariant(si, false, true)
		return nil
	}

	bw, ok := s.selector.Fallback(s.candidates(), si.Bandwidth())
	if !ok {
		err := fmt.Errorf("%w: %w", ErrAllVariantsFailed, cause)
		s.logger.Error("no variant left to fall back to", "variant", si, "error", cause)
		s.fail(err)
		return err
	}
	next, _ := s.master.Stream(bw)
	s.logger.Info("falling back", "from", si.Bandwidth(), "to", bw)
	s.requestVariant(next, false, true)
	return nil
}
