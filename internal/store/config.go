package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/pixelcrypt/pkg/hoststats"
	"github.com/sirupsen/logrus"
)

const defaultChunkSize = 256 * 1024

type StoreConfig struct {
	Paths            []string // only the first path is used at the moment
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
	// ChunkSize is the size of one stored blob value. Defaults to 256 KiB.
	ChunkSize int64
}

func (sc *StoreConfig) checkConfig(ctx context.Context) error {
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}
	if sc.ChunkSize <= 0 {
		sc.ChunkSize = defaultChunkSize
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("path %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", path)
	}

	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	free, err := hoststats.FreeGB(ctx, path)
	if err != nil {
		return err
	}
	if free < uint64(sc.MinimumFreeSpace) {
		return fmt.Errorf("not enough space available on disk: %d GB free, need %d GB", free, sc.MinimumFreeSpace)
	}
	return nil
}
