package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Source is a set of local media tracks from one capture session.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Devices abstracts the capture hardware so sessions can run headless in
// tests and in the probe binary.
type Devices interface {
	// UserMedia opens camera and/or microphone capture.
	UserMedia(ctx context.Context, video, audio bool) (Source, error)
	// DisplayMedia opens screen capture.
	DisplayMedia(ctx context.Context) (Source, error)
}

var ErrNoMedia = errors.New("no capture device available")

// Acquire opens camera+microphone capture, degrading to audio-only when the
// camera is unavailable. The bool reports whether video was acquired.
func Acquire(ctx context.Context, d Devices, log *slog.Logger) (Source, bool, error) {
	src, err := d.UserMedia(ctx, true, true)
	if err == nil {
		return src, true, nil
	}
	log.Warn("video capture failed, falling back to audio only", "err", err)

	src, audioErr := d.UserMedia(ctx, false, true)
	if audioErr != nil {
		return nil, false, fmt.Errorf("%w: video: %v, audio: %v", ErrNoMedia, err, audioErr)
	}
	return src, false, nil
}

// Controller owns the local media for one meeting session: the camera
// source, mute state, and the active screen share.
type Controller struct {
	mu sync.Mutex

	camera   Source
	hasVideo bool

	micEnabled bool
	camEnabled bool

	screen Source
}

func NewController(camera Source, hasVideo bool) *Controller {
	return &Controller{
		camera:     camera,
		hasVideo:   hasVideo,
		micEnabled: true,
		camEnabled: hasVideo,
	}
}

// Tracks returns the camera source's tracks. Satisfies the track provider
// hook that peer connections attach media from.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return nil
	}
	return c.camera.Tracks()
}

// HasVideo reports whether the camera source carries a video track.
func (c *Controller) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasVideo
}

// ToggleMic flips the microphone flag and returns the new state.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micEnabled = !c.micEnabled
	return c.micEnabled
}

// ToggleCamera flips the camera flag and returns the new state. Stays off
// when there is no video track to enable.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasVideo {
		return false
	}
	c.camEnabled = !c.camEnabled
	return c.camEnabled
}

// MicEnabled and CamEnabled report the current mute flags.
func (c *Controller) MicEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micEnabled
}

func (c *Controller) CamEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camEnabled
}

// Sharing reports whether a screen share is active.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// StartScreenShare opens display capture and returns its video track, to be
// swapped into every peer connection. Starting while already sharing is an
// error.
func (c *Controller) StartScreenShare(ctx context.Context, d Devices) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil, errors.New("screen share already active")
	}
	c.mu.Unlock()

	screen, err := d.DisplayMedia(ctx)
	if err != nil {
		return nil, err
	}
	track := videoTrackOf(screen)
	if track == nil {
		_ = screen.Close()
		return nil, errors.New("display capture produced no video track")
	}

	c.mu.Lock()
	c.screen = screen
	c.mu.Unlock()
	return track, nil
}

// StopScreenShare closes the display capture and returns the camera video
// track to restore, nil for audio-only sessions.
func (c *Controller) StopScreenShare() webrtc.TrackLocal {
	c.mu.Lock()
	screen := c.screen
	c.screen = nil
	camera := c.camera
	c.mu.Unlock()

	if screen != nil {
		_ = screen.Close()
	}
	if camera == nil {
		return nil
	}
	return videoTrackOf(camera)
}

// Close releases every capture source.
func (c *Controller) Close() {
	c.mu.Lock()
	camera := c.camera
	screen := c.screen
	c.camera = nil
	c.screen = nil
	c.mu.Unlock()

	if screen != nil {
		_ = screen.Close()
	}
	if camera != nil {
		_ = camera.Close()
	}
}

func videoTrackOf(src Source) webrtc.TrackLocal {
	for _, t := range src.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return t
		}
	}
	return nil
}
