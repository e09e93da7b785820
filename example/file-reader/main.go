// Command file-reader inspects an FBS capture produced by the server's
// session recorder: it validates the header and reports the replay size and
// duration, optionally writing the raw RFB stream to a file.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	rfbserver "github.com/bigangryrobot/rfbserver"
)

func main() {
	fbsPath := flag.String("fbs", "recording.fbs", "path to the FBS capture")
	out := flag.String("out", "", "optional file for the extracted RFB stream")
	flag.Parse()

	fr, err := rfbserver.OpenFbs(*fbsPath)
	if err != nil {
		log.Fatalf("open capture: %v", err)
	}
	defer fr.Close()

	var dst io.Writer = io.Discard
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("create output: %v", err)
		}
		defer f.Close()
		dst = f
	}

	n, err := io.Copy(dst, fr)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	log.Printf("capture: %d bytes over %s", n, fr.LastTimestamp())
}
