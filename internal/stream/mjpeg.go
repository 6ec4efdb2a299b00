// Package stream serves the annotated detection frames as an MJPEG stream.
package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/logging"
)

// MJPEGStream fans annotated JPEG frames out to connected HTTP clients.
type MJPEGStream struct {
	log logrus.FieldLogger

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameMu      sync.RWMutex
	currentFrame []byte
	frameSeq     uint64
}

// NewMJPEGStream creates a stream with no clients.
func NewMJPEGStream(logger logrus.FieldLogger) *MJPEGStream {
	return &MJPEGStream{
		log:     logging.Component(logger, "stream"),
		clients: make(map[chan []byte]struct{}),
	}
}

// SetAnnotatedFrame publishes a frame to every client. Slow clients skip it.
func (s *MJPEGStream) SetAnnotatedFrame(frame []byte) {
	s.frameMu.Lock()
	s.currentFrame = frame
	s.frameSeq++
	seq := s.frameSeq
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip frame
		}
	}
	n := len(s.clients)
	s.clientsMu.RUnlock()

	if seq%100 == 0 {
		s.log.WithFields(logrus.Fields{"frame": seq, "clients": n}).Debug("Stream progress")
	}
}

// CurrentFrame returns the last published frame, nil before the first one.
func (s *MJPEGStream) CurrentFrame() []byte {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame
}

// FrameSeq returns the number of frames published so far.
func (s *MJPEGStream) FrameSeq() uint64 {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frameSeq
}

// ClientCount returns the number of connected clients.
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *MJPEGStream) addClient() chan []byte {
	ch := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()
	return ch
}

func (s *MJPEGStream) removeClient(ch chan []byte) {
	s.clientsMu.Lock()
	delete(s.clients, ch)
	s.clientsMu.Unlock()
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client goes
// away. The current frame, if any, is sent first.
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	clientCh := s.addClient()
	defer s.removeClient(clientCh)

	log := s.log.WithField("client", r.RemoteAddr)
	log.Debug("Client connected")
	defer log.Debug("Client disconnected")

	if frame := s.CurrentFrame(); frame != nil {
		if err := writePart(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-clientCh:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}
