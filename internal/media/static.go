package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// StaticSource produces silent/blank sample tracks. It stands in for real
// capture hardware in the probe binary and in tests.
type StaticSource struct {
	tracks []webrtc.TrackLocal
}

// NewStaticSource builds a source with the requested track kinds: VP8 for
// video, Opus for audio.
func NewStaticSource(video, audio bool) (*StaticSource, error) {
	var tracks []webrtc.TrackLocal
	streamID := uuid.NewString()

	if video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(), streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return &StaticSource{tracks: tracks}, nil
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *StaticSource) Close() error { return nil }

// WriteVideoSample feeds a sample into the video track, if present. The
// probe uses this to keep the connection carrying data.
func (s *StaticSource) WriteVideoSample(sample media.Sample) error {
	for _, t := range s.tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if st, ok := t.(*webrtc.TrackLocalStaticSample); ok {
			return st.WriteSample(sample)
		}
	}
	return nil
}

// StaticDevices is a Devices implementation backed by StaticSource.
// FailVideo simulates a missing camera: requests that include video fail,
// which exercises the audio-only fallback.
type StaticDevices struct {
	FailVideo bool
}

func (d StaticDevices) UserMedia(_ context.Context, video, audio bool) (Source, error) {
	if video && d.FailVideo {
		return nil, ErrNoMedia
	}
	return NewStaticSource(video, audio)
}

func (d StaticDevices) DisplayMedia(context.Context) (Source, error) {
	return NewStaticSource(true, false)
}
