//go:build linux

// Command spixels-demo drives the LED strips described in a YAML
// layout file, running a simple chase animation until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"spixels.dev/driver/bcmdma"
	"spixels.dev/ledstrip"
)

type layout struct {
	ClockLine  int     `yaml:"clock_line"`
	DMAChannel int     `yaml:"dma_channel"`
	FPS        int     `yaml:"fps"`
	Strips     []strip `yaml:"strips"`
}

type strip struct {
	Chip  string `yaml:"chip"`
	Line  int    `yaml:"line"`
	Count int    `yaml:"count"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	configPath := flag.String("config", "layout.yaml", "strip layout file")
	flag.Parse()

	cfg, err := loadLayout(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading layout")
	}
	if err := run(log, cfg); err != nil {
		log.Fatal().Err(err).Msg("demo failed")
	}
}

func loadLayout(path string) (*layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &layout{ClockLine: 11, DMAChannel: 5, FPS: 60}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cfg.Strips) == 0 {
		return nil, fmt.Errorf("%s: no strips configured", path)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("%s: fps must be positive", path)
	}
	return cfg, nil
}

func run(log zerolog.Logger, cfg *layout) error {
	// Page faults stall the frame loop, so lock everything up front
	// the way real-time LED senders do.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("mlockall")
	}
	eng, ch, err := bcmdma.Open(cfg.ClockLine, cfg.DMAChannel)
	if err != nil {
		return err
	}
	defer ch.Close()
	defer eng.Close()

	var strips []ledstrip.Strip
	for _, sc := range cfg.Strips {
		var (
			s   ledstrip.Strip
			err error
		)
		switch sc.Chip {
		case "ws2801":
			s, err = ledstrip.NewWS2801(eng, sc.Line, sc.Count)
		case "lpd6803":
			s, err = ledstrip.NewLPD6803(eng, sc.Line, sc.Count)
		case "apa102":
			s, err = ledstrip.NewAPA102(eng, sc.Line, sc.Count)
		default:
			return fmt.Errorf("strip on line %d: unknown chip %q", sc.Line, sc.Chip)
		}
		if err != nil {
			return err
		}
		log.Info().Str("chip", sc.Chip).Int("line", sc.Line).Int("count", sc.Count).Msg("strip ready")
		strips = append(strips, s)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	frame := time.NewTicker(time.Second / time.Duration(cfg.FPS))
	defer frame.Stop()

	for i := 0; ; i++ {
		select {
		case <-stop:
			log.Info().Msg("clearing strips")
			for _, s := range strips {
				for p := 0; p < s.Len(); p++ {
					s.SetPixel(p, 0, 0, 0)
				}
			}
			return eng.Send()
		case <-frame.C:
			for _, s := range strips {
				s.SetPixel((i-1+s.Len())%s.Len(), 0, 0, 0)
				s.SetPixel(i%s.Len(), 0xff, 0x20, 0x00)
			}
			if err := eng.Send(); err != nil {
				return err
			}
		}
	}
}
