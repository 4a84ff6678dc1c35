//go:build !linux

package negotiate

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/duetp2p/duet/internal/signal"
)

// initMediaPC creates a receive-only PeerConnection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere the session still receives remote media.
func initMediaPC(callID string, _ signal.MediaKind, cfg Config) (*webrtc.PeerConnection, *localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(peerConfiguration(cfg))
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local media on this platform)", callID)
	return pc, nil, nil
}
