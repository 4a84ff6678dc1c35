//go:build linux

package negotiate

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// initMediaPC creates the peer connection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo on Linux). A video
// call tries video+audio, then video-only, then audio-only so a missing or
// busy microphone does not prevent the camera from working and vice versa.
// If every attempt fails the call cannot offer local media at all, which is
// surfaced as ErrPermissionDenied and ends the session.
func initMediaPC(callID string, mediaKind signal.MediaKind, cfg Config) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate
	if vpxParams.BitRate <= 0 {
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call. The default disconnectedTimeout is
	// 5 s, far too short for paths that see short outages during
	// re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(peerConfiguration(cfg))
	if err != nil {
		return nil, nil, err
	}

	maxWidth := cfg.MaxWidth
	if maxWidth <= 0 {
		maxWidth = 640
	}
	maxHeight := cfg.MaxHeight
	if maxHeight <= 0 {
		maxHeight = 480
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if mediaKind == signal.MediaAudio {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: maxWidth}
				c.Height = prop.IntRanged{Max: maxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		media := &localMedia{}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", callID, err)
				continue
			}
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				media.audioTrack = track
				media.audioSender = sender
			}
		}
		media.stop = func() {
			for _, t := range tracks {
				t.Close()
			}
		}

		log.Printf("CALL [%s]: local media captured (%s), %d tracks", callID, a.label, len(tracks))
		return pc, media, nil
	}

	// No local media at all: release the half-built peer connection and
	// report the permission failure.
	_ = pc.Close()
	if lastErr == nil {
		lastErr = fmt.Errorf("no capture attempt ran")
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrPermissionDenied, lastErr)
}
