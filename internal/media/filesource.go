package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// FileProvider serves prerecorded media as capture sources: VP8 video
// from an IVF file and Opus audio from an Ogg file. It stands in for
// real camera or screen capture in the CLI and in tests. Files are
// looped until the source is closed.
type FileProvider struct {
	// CameraVideoPath and ScreenVideoPath are IVF files with VP8.
	// ScreenVideoPath falls back to CameraVideoPath when empty.
	CameraVideoPath string
	ScreenVideoPath string

	// AudioPath is an Ogg file with Opus. Optional; camera sources get
	// no audio track when empty.
	AudioPath string
}

const opusFrameDuration = 20 * time.Millisecond

func (p *FileProvider) OpenCamera(ctx context.Context) (Source, error) {
	return p.open(ctx, SourceCamera, p.CameraVideoPath, p.AudioPath)
}

func (p *FileProvider) OpenScreen(ctx context.Context) (Source, error) {
	videoPath := p.ScreenVideoPath
	if videoPath == "" {
		videoPath = p.CameraVideoPath
	}
	// Screen shares carry no audio.
	return p.open(ctx, SourceScreen, videoPath, "")
}

func (p *FileProvider) open(ctx context.Context, kind SourceKind, videoPath, audioPath string) (Source, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("media: no video file configured for %s source", kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := &fileSource{
		kind:  kind,
		label: filepath.Base(videoPath),
		done:  make(chan struct{}),
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"iglu-"+string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("media: create video track: %w", err)
	}
	src.tracks = append(src.tracks, videoTrack)
	src.wg.Add(1)
	go src.streamVideo(videoPath, videoTrack)

	if audioPath != "" {
		audioTrack, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			"iglu-"+string(kind),
		)
		if err != nil {
			src.stop()
			return nil, fmt.Errorf("media: create audio track: %w", err)
		}
		src.tracks = append(src.tracks, audioTrack)
		src.wg.Add(1)
		go src.streamAudio(audioPath, audioTrack)
	}

	return src, nil
}

type fileSource struct {
	kind   SourceKind
	label  string
	tracks []webrtc.TrackLocal

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (s *fileSource) Kind() SourceKind            { return s.kind }
func (s *fileSource) Label() string               { return s.label }
func (s *fileSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fileSource) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

func (s *fileSource) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *fileSource) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// streamVideo pushes IVF frames at the file's timebase rate, rewinding
// at EOF.
func (s *fileSource) streamVideo(path string, track *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()

	for !s.closed() {
		file, err := os.Open(path)
		if err != nil {
			return
		}
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			return
		}

		frameDuration := time.Millisecond * time.Duration(
			(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator))*1000,
		)
		if frameDuration <= 0 {
			frameDuration = 33 * time.Millisecond
		}
		ticker := time.NewTicker(frameDuration)

		for {
			frame, _, err := ivf.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ticker.Stop()
				_ = file.Close()
				return
			}

			select {
			case <-s.done:
				ticker.Stop()
				_ = file.Close()
				return
			case <-ticker.C:
			}

			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				ticker.Stop()
				_ = file.Close()
				return
			}
		}

		ticker.Stop()
		_ = file.Close()
	}
}

// streamAudio pushes Ogg pages paced by their granule positions,
// rewinding at EOF.
func (s *fileSource) streamAudio(path string, track *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()

	for !s.closed() {
		file, err := os.Open(path)
		if err != nil {
			return
		}
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			return
		}

		ticker := time.NewTicker(opusFrameDuration)
		var lastGranule uint64

		for {
			page, pageHeader, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ticker.Stop()
				_ = file.Close()
				return
			}

			sampleCount := pageHeader.GranulePosition - lastGranule
			lastGranule = pageHeader.GranulePosition
			sampleDuration := time.Duration(sampleCount) * time.Second / 48000

			select {
			case <-s.done:
				ticker.Stop()
				_ = file.Close()
				return
			case <-ticker.C:
			}

			if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: sampleDuration}); err != nil {
				ticker.Stop()
				_ = file.Close()
				return
			}
		}

		ticker.Stop()
		_ = file.Close()
	}
}
