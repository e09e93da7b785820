// Command rfbserverd runs a standalone VNC server that serves a generated
// test pattern. It exists to exercise the library end to end against real
// viewers; embedding applications use the library directly.
package main

import (
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rfbserver "github.com/bigangryrobot/rfbserver"
	"github.com/bigangryrobot/rfbserver/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "rfbserverd",
		Short: "VNC server serving an animated test pattern",
		RunE:  run,
	}

	flags := root.Flags()
	flags.String("addr", ":5900", "TCP listen address")
	flags.String("ws-addr", "", "WebSocket listen address (empty disables)")
	flags.String("name", "rfbserverd", "desktop name sent in ServerInit")
	flags.String("password", "", "VNC password (empty disables authentication)")
	flags.Uint16("width", 1024, "framebuffer width")
	flags.Uint16("height", 768, "framebuffer height")
	flags.Int("quality", 5, "initial quality level (0..9)")
	flags.Int("compression", 6, "initial compression level (0..9)")
	flags.Bool("verbose", false, "enable debug logging")
	viper.BindPFlags(flags)
	viper.SetEnvPrefix("RFBSERVERD")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if viper.GetBool("verbose") {
		logger.SetLevel(logger.DebugLevel)
	}

	width := uint16(viper.GetUint32("width"))
	height := uint16(viper.GetUint32("height"))
	srv := rfbserver.New(width, height, &rfbserver.ServerConfig{
		DesktopName: viper.GetString("name"),
		Password:    viper.GetString("password"),
		Quality:     viper.GetInt("quality"),
		Compression: viper.GetInt("compression"),
	})

	done := make(chan struct{})
	go producePattern(srv, width, height, done)
	go drainEvents(srv, done)

	if wsAddr := viper.GetString("ws-addr"); wsAddr != "" {
		go func() {
			if err := srv.ListenWS(wsAddr); err != nil && err != rfbserver.ErrServerClosed {
				logger.Errorf("websocket listener: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		close(done)
		srv.Stop()
	}()

	err := srv.Listen(viper.GetString("addr"))
	if err == rfbserver.ErrServerClosed {
		return nil
	}
	return err
}

// producePattern writes a scrolling color gradient into the framebuffer at
// roughly 30 frames per second.
func producePattern(srv *rfbserver.Server, width, height uint16, done <-chan struct{}) {
	frame := make([]byte, int(width)*int(height)*4)
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	var t float64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for y := 0; y < int(height); y++ {
			for x := 0; x < int(width); x++ {
				o := (y*int(width) + x) * 4
				frame[o] = uint8(128 + 127*math.Sin(float64(x)/32+t))
				frame[o+1] = uint8(128 + 127*math.Sin(float64(y)/32+t*1.3))
				frame[o+2] = uint8(128 + 127*math.Sin(float64(x+y)/48+t*0.7))
				frame[o+3] = 0xFF
			}
		}
		srv.UpdateFramebuffer(frame, 0, 0, width, height)
		t += 0.1
	}
}

// drainEvents logs client input; a real embedder would feed these into its
// display stack.
func drainEvents(srv *rfbserver.Server, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for _, ev := range srv.PollEvents() {
			switch e := ev.(type) {
			case rfbserver.KeyEvent:
				logger.Debugf("session %d: key 0x%x down=%v", e.SessionID, uint32(e.Key), e.Down)
			case rfbserver.PointerEvent:
				logger.Debugf("session %d: pointer (%d,%d) mask=%08b", e.SessionID, e.X, e.Y, e.Mask)
			case rfbserver.CutTextEvent:
				logger.Debugf("session %d: cut text %q", e.SessionID, e.Text)
			}
		}
	}
}
