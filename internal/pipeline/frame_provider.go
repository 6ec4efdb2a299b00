// Package pipeline captures frames from video sources and drives the
// coordinator at a fixed rate.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// FFmpegFrameProvider captures MJPEG frames through ffmpeg, or by polling an
// HTTP snapshot endpoint, and broadcasts decoded frames to subscribers.
type FFmpegFrameProvider struct {
	ffmpegPath string
	log        logrus.FieldLogger

	mu      sync.RWMutex
	sources map[string]*sourceCapture
}

type sourceCapture struct {
	sourceID string
	device   string
	fps      int
	width    int
	height   int
	ffmpeg   string
	log      logrus.FieldLogger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	subMu       sync.RWMutex
	subscribers map[*FrameSubscription]struct{}

	frameSeq atomic.Uint64
	statsMu  sync.RWMutex
	stats    CaptureStats
}

// NewFFmpegFrameProvider creates a provider. An empty ffmpegPath uses
// "ffmpeg" from PATH.
func NewFFmpegFrameProvider(ffmpegPath string, logger logrus.FieldLogger) *FFmpegFrameProvider {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegFrameProvider{
		ffmpegPath: ffmpegPath,
		log:        logging.Component(logger, "frames"),
		sources:    make(map[string]*sourceCapture),
	}
}

// Start implements FrameProvider.
func (p *FFmpegFrameProvider) Start(sourceID, device string, fps, width, height int) error {
	if device == "" {
		return fmt.Errorf("source %s has no device", sourceID)
	}
	if fps <= 0 {
		fps = 10
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sources[sourceID]; exists {
		return fmt.Errorf("source %s already started", sourceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	capture := &sourceCapture{
		sourceID:    sourceID,
		device:      device,
		fps:         fps,
		width:       width,
		height:      height,
		ffmpeg:      p.ffmpegPath,
		log:         p.log.WithField("source", sourceID),
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[*FrameSubscription]struct{}),
		stats:       CaptureStats{SourceID: sourceID},
	}
	p.sources[sourceID] = capture

	capture.running.Store(true)
	go capture.run(ctx)

	capture.log.WithFields(logrus.Fields{"device": device, "fps": fps}).Info("Started capture")
	return nil
}

// Stop implements FrameProvider. It waits for the capture loop to exit.
func (p *FFmpegFrameProvider) Stop(sourceID string) error {
	p.mu.Lock()
	capture, exists := p.sources[sourceID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("source %s not found", sourceID)
	}
	delete(p.sources, sourceID)
	p.mu.Unlock()

	capture.stop()
	capture.log.Info("Stopped capture")
	return nil
}

// Subscribe implements FrameProvider.
func (p *FFmpegFrameProvider) Subscribe(sourceID string, bufferSize int) (*FrameSubscription, error) {
	p.mu.RLock()
	capture, exists := p.sources[sourceID]
	p.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("source %s not found", sourceID)
	}
	if bufferSize <= 0 {
		bufferSize = 5
	}

	sub := &FrameSubscription{
		SourceID: sourceID,
		Channel:  make(chan *FrameData, bufferSize),
		Done:     make(chan struct{}),
	}

	capture.subMu.Lock()
	capture.subscribers[sub] = struct{}{}
	n := len(capture.subscribers)
	capture.subMu.Unlock()

	capture.log.WithField("subscribers", n).Debug("New subscriber")
	return sub, nil
}

// Unsubscribe implements FrameProvider.
func (p *FFmpegFrameProvider) Unsubscribe(sub *FrameSubscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	capture, exists := p.sources[sub.SourceID]
	p.mu.RUnlock()

	if !exists {
		return
	}

	capture.subMu.Lock()
	if _, ok := capture.subscribers[sub]; ok {
		delete(capture.subscribers, sub)
		close(sub.Done)
	}
	capture.subMu.Unlock()
}

// IsRunning implements FrameProvider.
func (p *FFmpegFrameProvider) IsRunning(sourceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	capture, exists := p.sources[sourceID]
	if !exists {
		return false
	}
	return capture.running.Load()
}

// GetStats implements FrameProvider.
func (p *FFmpegFrameProvider) GetStats(sourceID string) *CaptureStats {
	p.mu.RLock()
	capture, exists := p.sources[sourceID]
	p.mu.RUnlock()

	if !exists {
		return nil
	}

	capture.statsMu.RLock()
	defer capture.statsMu.RUnlock()
	stats := capture.stats
	return &stats
}

func (c *sourceCapture) run(ctx context.Context) {
	defer close(c.done)
	defer c.running.Store(false)

	if c.isHTTPImageEndpoint() {
		c.captureHTTPImages(ctx)
		return
	}
	c.captureFFmpeg(ctx)
}

func (c *sourceCapture) stop() {
	c.cancel()
	<-c.done

	c.subMu.Lock()
	for sub := range c.subscribers {
		close(sub.Done)
		delete(c.subscribers, sub)
	}
	c.subMu.Unlock()
}

func (c *sourceCapture) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "image"))
}

func (c *sourceCapture) captureHTTPImages(ctx context.Context) {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := max(time.Second/time.Duration(c.fps), 100*time.Millisecond)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := c.fetchImage(ctx, client)
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Warn("Error fetching frame")
				}
				continue
			}
			c.broadcastFrame(frame)
		}
	}
}

func (c *sourceCapture) fetchImage(ctx context.Context, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ffmpegArgs builds the ffmpeg command line for the source's device kind.
func (c *sourceCapture) ffmpegArgs() []string {
	fps := strconv.Itoa(c.fps)
	output := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}

	switch {
	case strings.HasPrefix(c.device, "rtsp://"):
		return append([]string{"-rtsp_transport", "tcp", "-i", c.device, "-r", fps}, output...)
	case strings.HasPrefix(c.device, "http://"), strings.HasPrefix(c.device, "https://"):
		return append([]string{"-i", c.device, "-r", fps}, output...)
	case strings.HasPrefix(c.device, "/dev/video"):
		return append([]string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-framerate", fps,
			"-i", c.device,
		}, output...)
	default:
		// Video file, read at its native rate.
		return append([]string{"-re", "-i", c.device, "-r", fps}, output...)
	}
}

func (c *sourceCapture) captureFFmpeg(ctx context.Context) {
	cmd := exec.CommandContext(ctx, c.ffmpeg, c.ffmpegArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.log.WithError(err).Error("Error creating stdout pipe")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.log.WithError(err).Error("Error creating stderr pipe")
		return
	}
	if err := cmd.Start(); err != nil {
		c.log.WithError(err).Error("Error starting ffmpeg")
		return
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.log.WithFields(nil).Trace(scanner.Text())
		}
	}()

	c.readFrames(ctx, stdout)

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		c.log.WithError(err).Warn("ffmpeg exited")
	}
}

// readFrames splits an MJPEG byte stream into frames until r fails.
func (c *sourceCapture) readFrames(ctx context.Context, r io.Reader) {
	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for ctx.Err() == nil {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buffer)
				if frame == nil {
					break
				}
				c.broadcastFrame(frame)
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.log.WithError(err).Warn("Error reading frame")
			}
			return
		}
	}
}

func (c *sourceCapture) broadcastFrame(data []byte) {
	img, err := vision.DecodeJPEG(data)
	if err != nil {
		c.statsMu.Lock()
		c.stats.DecodeErrors++
		c.statsMu.Unlock()
		c.log.WithError(err).Debug("Dropping undecodable frame")
		return
	}

	seq := c.frameSeq.Add(1)
	now := time.Now()
	frame := &FrameData{
		SourceID:  c.sourceID,
		Data:      data,
		Image:     img,
		Seq:       seq,
		Timestamp: now,
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
	}

	c.statsMu.Lock()
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now.Unix()
	c.statsMu.Unlock()

	c.subMu.RLock()
	for sub := range c.subscribers {
		select {
		case sub.Channel <- frame:
		default:
			// Slow subscriber
			c.statsMu.Lock()
			c.stats.FramesDropped++
			c.statsMu.Unlock()
		}
	}
	subCount := len(c.subscribers)
	c.subMu.RUnlock()

	if seq%100 == 0 {
		c.log.WithFields(logrus.Fields{"frame": seq, "subscribers": subCount}).Debug("Capture progress")
	}
}

// extractJPEGFrame removes and returns the first complete JPEG in buffer.
// Bytes before the start marker are discarded with the frame.
func extractJPEGFrame(buffer *[]byte) []byte {
	start := bytes.Index(*buffer, jpegStart)
	if start < 0 {
		if n := len(*buffer); n > 1 {
			*buffer = append((*buffer)[:0], (*buffer)[n-1])
		}
		return nil
	}
	end := bytes.Index((*buffer)[start+2:], jpegEnd)
	if end < 0 {
		return nil
	}
	end += start + 2 + len(jpegEnd)

	frame := make([]byte, end-start)
	copy(frame, (*buffer)[start:end])
	*buffer = (*buffer)[end:]
	return frame
}

var _ FrameProvider = (*FFmpegFrameProvider)(nil)
