package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/rtcvoice/internal/util"
)

const (
	opusSampleRate  = 48000
	opusChannels    = 2
	oggPageDuration = 20 * time.Millisecond
	rtcpBufferSize  = 1500
)

// AddAudioTrack adds a local Opus track to pc.
func AddAudioTrack(pc *webrtc.PeerConnection) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "rtcvoice",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if err := AddTrack(pc, track); err != nil {
		return nil, err
	}
	return track, nil
}

// NewEchoTrack creates the Opus track Echo writes into. It is added to a
// PeerConnection separately with AddTrack.
func NewEchoTrack() (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "rtcvoice-echo",
	)
	if err != nil {
		return nil, fmt.Errorf("create echo track: %w", err)
	}
	return track, nil
}

// AddTrack adds track to pc. Incoming RTCP for the track is read and
// discarded so interceptors keep working.
func AddTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}

	go func() {
		buf := make([]byte, rtcpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// OnAudioTrack calls fn for every remote audio track. Other tracks are
// drained.
func OnAudioTrack(pc *webrtc.PeerConnection, fn func(*webrtc.TrackRemote)) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			go DrainTrack(track)
			return
		}
		util.LogInfo("receiving remote audio track (%s)", track.Codec().MimeType)
		fn(track)
	})
}

// DrainTrack reads and discards packets until the track ends.
func DrainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, rtcpBufferSize)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// PlayOgg streams an Ogg/Opus file into track, one page per tick. It returns
// nil at end of file and ctx.Err() when cancelled.
func PlayOgg(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			util.LogInfo("finished playing %s", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusSampleRate

		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
	}
}

// RecordOgg writes the remote track to an Ogg/Opus file until the track ends
// or ctx is cancelled. A blocked read only returns once the track ends, so
// callers close the PeerConnection alongside cancelling ctx.
func RecordOgg(ctx context.Context, track *webrtc.TrackRemote, path string) error {
	channels := track.Codec().Channels
	if channels == 0 {
		channels = opusChannels
	}

	writer, err := oggwriter.New(path, opusSampleRate, channels)
	if err != nil {
		return fmt.Errorf("create ogg file: %w", err)
	}
	defer writer.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write ogg page: %w", err)
		}
	}
}

// Echo writes every packet of remote back out through local until remote
// ends or ctx is cancelled. Packets written before local is negotiated are
// dropped by the track.
func Echo(ctx context.Context, remote *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		// Extension ids belong to the inbound stream; outbound ones are
		// added again by the interceptors.
		pkt.Extension = false
		pkt.Extensions = nil

		if err := local.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("echo packet: %w", err)
		}
	}
}
