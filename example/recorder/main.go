// Command recorder embeds the VNC server and simultaneously records the
// framebuffer it serves into a motion-JPEG AVI, showing how an application
// can drive the producer side of the API.
package main

import (
	"bytes"
	"flag"
	"image"
	"image/jpeg"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/icza/mjpeg"

	rfbserver "github.com/bigangryrobot/rfbserver"
	"github.com/bigangryrobot/rfbserver/logger"
)

func main() {
	addr := flag.String("addr", ":5900", "listen address")
	out := flag.String("out", "capture.avi", "output AVI file")
	width := flag.Int("width", 640, "framebuffer width")
	height := flag.Int("height", 480, "framebuffer height")
	fps := flag.Int("fps", 15, "capture frame rate")
	flag.Parse()

	srv := rfbserver.New(uint16(*width), uint16(*height), &rfbserver.ServerConfig{
		DesktopName: "rfbserver-recorder",
	})

	avi, err := mjpeg.New(*out, int32(*width), int32(*height), int32(*fps))
	if err != nil {
		logger.Fatalf("failed to create %s: %v", *out, err)
	}

	done := make(chan struct{})
	go func() {
		frame := make([]byte, *width**height*4)
		img := image.NewRGBA(image.Rect(0, 0, *width, *height))
		ticker := time.NewTicker(time.Second / time.Duration(*fps))
		defer ticker.Stop()

		var t float64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			renderFrame(frame, *width, *height, t)
			srv.UpdateFramebuffer(frame, 0, 0, uint16(*width), uint16(*height))

			copy(img.Pix, frame)
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
				logger.Errorf("jpeg encode: %v", err)
				continue
			}
			if err := avi.AddFrame(buf.Bytes()); err != nil {
				logger.Errorf("avi frame: %v", err)
			}
			t += 1.0 / float64(*fps)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(done)
		srv.Stop()
		if err := avi.Close(); err != nil {
			logger.Errorf("failed to finalize %s: %v", *out, err)
		}
	}()

	logger.Infof("serving on %s, recording to %s", *addr, *out)
	if err := srv.Listen(*addr); err != nil && err != rfbserver.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
}

// renderFrame draws a bouncing square over a slow gradient.
func renderFrame(frame []byte, w, h int, t float64) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			frame[o] = uint8(x * 255 / w)
			frame[o+1] = uint8(y * 255 / h)
			frame[o+2] = 64
			frame[o+3] = 0xFF
		}
	}

	size := 64
	cx := int((float64(w-size)/2)*(1+math.Sin(t*2))) + size/2
	cy := int((float64(h-size)/2)*(1+math.Cos(t*3))) + size/2
	for y := cy - size/2; y < cy+size/2; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := cx - size/2; x < cx+size/2; x++ {
			if x < 0 || x >= w {
				continue
			}
			o := (y*w + x) * 4
			frame[o], frame[o+1], frame[o+2] = 0xFF, 0xFF, 0xFF
		}
	}
}
