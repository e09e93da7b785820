// Command server runs a minimal embedding of the VNC server: it serves an
// animated test pattern, forwards input events to the log and optionally
// records every session to an FBS capture.
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	rfbserver "github.com/bigangryrobot/rfbserver"
	"github.com/bigangryrobot/rfbserver/logger"
)

func main() {
	addr := flag.String("addr", ":5900", "listen address")
	wsAddr := flag.String("ws", "", "optional WebSocket listen address")
	password := flag.String("password", "", "VNC password; empty disables authentication")
	fbsDir := flag.String("fbs-dir", "", "directory for per-session FBS captures")
	width := flag.Int("width", 800, "framebuffer width")
	height := flag.Int("height", 600, "framebuffer height")
	flag.Parse()

	cfg := &rfbserver.ServerConfig{
		DesktopName: "rfbserver-example",
		Password:    *password,
	}
	if *fbsDir != "" {
		if err := os.MkdirAll(*fbsDir, 0o755); err != nil {
			logger.Fatalf("capture directory: %v", err)
		}
		dir := *fbsDir
		cfg.NewRecorder = func(remoteAddr string) (io.WriteCloser, error) {
			name := strings.ReplaceAll(remoteAddr, ":", "_")
			path := filepath.Join(dir, fmt.Sprintf("%s-%d.fbs", name, time.Now().Unix()))
			return os.Create(path)
		}
	}

	srv := rfbserver.New(uint16(*width), uint16(*height), cfg)

	if *wsAddr != "" {
		go func() {
			if err := srv.ListenWS(*wsAddr); err != nil {
				logger.Errorf("websocket listener: %v", err)
			}
		}()
	}
	go animate(srv, *width, *height)
	go drainEvents(srv)

	if err := srv.Listen(*addr); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

// animate repaints a moving color gradient at roughly 20 frames per second.
func animate(srv *rfbserver.Server, w, h int) {
	frame := make([]byte, w*h*4)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for t := 0; ; t++ {
		phase := float64(t) / 20
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * 4
				frame[i] = uint8(128 + 127*math.Sin(phase+float64(x)/40))
				frame[i+1] = uint8(128 + 127*math.Sin(phase+float64(y)/30))
				frame[i+2] = uint8(128 + 127*math.Sin(phase+float64(x+y)/50))
				frame[i+3] = 255
			}
		}
		srv.UpdateFramebuffer(frame, 0, 0, uint16(w), uint16(h))
		<-ticker.C
	}
}

// drainEvents logs client input so the wiring is visible.
func drainEvents(srv *rfbserver.Server) {
	for range time.Tick(100 * time.Millisecond) {
		for _, ev := range srv.PollEvents() {
			switch e := ev.(type) {
			case rfbserver.KeyEvent:
				logger.Infof("session %d: key %#x down=%v", e.SessionID, e.Key, e.Down)
			case rfbserver.PointerEvent:
				logger.Debugf("session %d: pointer (%d,%d) mask=%08b", e.SessionID, e.X, e.Y, e.Mask)
			case rfbserver.CutTextEvent:
				logger.Infof("session %d: clipboard %q", e.SessionID, e.Text)
			}
		}
	}
}
