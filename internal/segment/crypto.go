package segment

import (
	"context"
	"fmt"

	"github.com/agleyzer/hlsabr/internal/decrypt"
	"github.com/agleyzer/hlsabr/internal/demux"
	"github.com/agleyzer/hlsabr/internal/key"
	"github.com/agleyzer/hlsabr/internal/media"
)

// Clear leaders of SAMPLE-AES protected samples.
const (
	videoClearLeader = 32
	audioClearLeader = 16
)

// Crypto bundles what segment decryption needs.
type Crypto struct {
	Fetcher   key.Fetcher
	Decryptor decrypt.Decryptor
	Cache     *key.Cache
}

// Decrypt returns the plaintext of a whole-segment encrypted payload. Raw
// payloads of unencrypted or SAMPLE-AES segments are returned unchanged.
func (s *MediaSegment) Decrypt(ctx context.Context, raw []byte, c Crypto) ([]byte, error) {
	if !s.Key.Encrypted() || s.Key.Method != key.MethodAES128 {
		return raw, nil
	}

	k, err := s.Key.Resolve(ctx, c.Fetcher, c.Decryptor, c.Cache)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decryptor.Decrypt(k, raw, s.Key.IVFor(s.Sequence))
	if err != nil {
		// A stale key is refetched on the next attempt.
		s.Key.Forget(c.Cache)
		return nil, fmt.Errorf("failed to decrypt %s: %w", s, err)
	}
	return plain, nil
}

// DecryptSamples decrypts the samples of a SAMPLE-AES segment in place.
func (s *MediaSegment) DecryptSamples(ctx context.Context, res *demux.Result, c Crypto) error {
	if !s.Key.Encrypted() || s.Key.Method != key.MethodSampleAES {
		return nil
	}
	sd, ok := c.Decryptor.(decrypt.SampleDecryptor)
	if !ok {
		return fmt.Errorf("%w: decryptor cannot handle SAMPLE-AES", decrypt.ErrCipher)
	}

	k, err := s.Key.Resolve(ctx, c.Fetcher, c.Decryptor, c.Cache)
	if err != nil {
		return err
	}
	iv := s.Key.IVFor(s.Sequence)

	for pid, samples := range res.Samples {
		leader := audioClearLeader
		if res.PIDs[pid] == media.ContentVideo {
			leader = videoClearLeader
		}
		for _, sample := range samples {
			plain, err := sd.DecryptSample(k, sample.Payload, iv, leader)
			if err != nil {
				s.Key.Forget(c.Cache)
				return fmt.Errorf("failed to decrypt sample of %s: %w", s, err)
			}
			sample.Payload = plain
		}
	}
	return nil
}
