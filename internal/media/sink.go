package media

// Sink receives samples in playback order. Implementations belong to the
// platform layer (decoder/renderer); the engine only builds handles.
type Sink interface {
	// CreateSample wraps payload fragments into a platform sample handle.
	CreateSample(fragments [][]byte, ts Timestamp, keyframe, discontinuity bool) (any, error)

	// NotifyStreamTick keeps an inactive content type's clock moving.
	NotifyStreamTick(ct ContentType, ts Timestamp)
}

// DiscardSink accepts every sample and returns the sample timestamp as the
// handle. It is used by the headless player and by tests.
type DiscardSink struct{}

// CreateSample implements Sink.
func (DiscardSink) CreateSample(_ [][]byte, ts Timestamp, _, _ bool) (any, error) {
	return ts, nil
}

// NotifyStreamTick implements Sink.
func (DiscardSink) NotifyStreamTick(ContentType, Timestamp) {}
