// Command mockData writes random 24-bit BMP images to feed pixelcrypt.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/i5heu/pixelcrypt/pkg/bmp"
	"github.com/i5heu/pixelcrypt/pkg/logging"
)

const (
	logKeyPath  = "path"
	logKeyError = "error"
)

type mockConfig struct {
	outDir string
	count  int
	width  int
	height int
	seed   int64
	debug  bool
}

func main() {
	cfg := mockConfig{}
	flag.StringVar(&cfg.outDir, "out", ".", "Directory to write images to")
	flag.IntVar(&cfg.count, "count", 1, "Number of images")
	flag.IntVar(&cfg.width, "width", 640, "Image width in pixels")
	flag.IntVar(&cfg.height, "height", 480, "Image height in pixels")
	flag.Int64Var(&cfg.seed, "seed", 1, "Random seed")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	logger := logging.New(cfg.debug)
	paths, err := generate(cfg)
	if err != nil {
		logger.ErrorContext(context.Background(), "generating images failed", logKeyError, err)
		os.Exit(1)
	}
	for _, p := range paths {
		logger.InfoContext(context.Background(), "image written", logKeyPath, p)
	}
}

// generate writes cfg.count images named mock-<n>.bmp.
func generate(cfg mockConfig) ([]string, error) {
	if err := os.MkdirAll(cfg.outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.outDir, err)
	}
	rng := rand.New(rand.NewSource(cfg.seed))

	paths := make([]string, 0, cfg.count)
	for i := 0; i < cfg.count; i++ {
		payload := make([]byte, bmp.RowSize(int32(cfg.width))*cfg.height)
		fillGradient(payload, rng)
		img, err := bmp.New(int32(cfg.width), int32(cfg.height), payload)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(cfg.outDir, fmt.Sprintf("mock-%d.bmp", i))
		if err := bmp.WriteFile(path, img); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// fillGradient draws a noisy gradient so processed output is easy to tell
// apart from the source by eye.
func fillGradient(payload []byte, rng *rand.Rand) {
	for i := range payload {
		payload[i] = byte(i/97) + byte(rng.Intn(16))
	}
}
