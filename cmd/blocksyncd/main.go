package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blocksync/blocksync/internal/activitylog"
	"github.com/blocksync/blocksync/internal/backend"
	"github.com/blocksync/blocksync/internal/config"
	"github.com/blocksync/blocksync/internal/device"
	"github.com/blocksync/blocksync/internal/genid"
	"github.com/blocksync/blocksync/internal/logging"
	"github.com/blocksync/blocksync/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "blocksyncd",
	Short: "blocksyncd replicates a block device to a peer over the network",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	if cfg.Device.DevicePath == "" {
		return fmt.Errorf("device.device_path is required")
	}

	disk, err := backend.OpenFileDisk(cfg.Device.DevicePath, uint64(cfg.Device.Size))
	if err != nil {
		return fmt.Errorf("failed to open backing device: %w", err)
	}
	defer disk.Close()

	metaSize := int64(genid.RecordSize) + 64*int64(activitylog.TransactionSize)
	meta, err := backend.OpenFileMetadata(cfg.Device.MetadataPath, metaSize)
	if err != nil {
		return fmt.Errorf("failed to open metadata device: %w", err)
	}
	defer meta.Close()

	d, err := device.New(cfg.Device, disk, meta, device.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize device: %w", err)
	}
	defer d.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return d.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
