package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gftdcojp/media-director/internal/block"
	"github.com/gftdcojp/media-director/internal/bsr"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/device"
	"github.com/gftdcojp/media-director/internal/read"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReadCmd() *cobra.Command {
	var configPath, deviceName, bsrPath string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "read [volume...]",
		Short: "List the records of volumes on a local device",
		Long: `Read volumes directly from a device configured in the director's
configuration file and list their records. A bootstrap file restricts
the listing to the records it selects and supplies the volumes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dc, ok := cfg.Device(deviceName)
			if !ok {
				return fmt.Errorf("unknown device %q", deviceName)
			}

			var filter *bsr.BSR
			if bsrPath != "" {
				f, err := os.Open(bsrPath)
				if err != nil {
					return err
				}
				filter, err = bsr.Parse(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("parsing bootstrap: %w", err)
				}
			}
			if filter == nil && len(args) == 0 {
				return fmt.Errorf("name a volume or pass --bsr")
			}

			translators, err := read.NewTranslators(cfg.Reader.Translations)
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			if verbose {
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			backend, err := device.NewBackend(ctx, *dc, logger)
			if err != nil {
				return err
			}
			defer backend.Close()
			dev := device.New(device.Config{
				Name:         dc.Name,
				MediaType:    dc.MediaType,
				Backend:      backend,
				MaxBlockSize: int(dc.MaxBlockSize),
				Logger:       logger,
			})

			rc := read.New(read.Config{
				Device:            dev,
				BSR:               filter,
				Volumes:           args,
				Translators:       translators,
				ForgeOn:           cfg.Reader.ForgeOn,
				IgnoreLabelErrors: cfg.Reader.IgnoreLabelErrors,
				Logger:            logger,
			})

			var bytes uint64
			err = rc.ReadRecords(ctx, func(rec *read.Record) bool {
				bytes += uint64(len(rec.Data))
				printRecord(rec)
				return true
			})
			fmt.Printf("%d records, %s\n", rc.Records(), humanize.Bytes(bytes))
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "director configuration file")
	cmd.Flags().StringVar(&deviceName, "device", "", "device to read from")
	cmd.Flags().StringVar(&bsrPath, "bsr", "", "bootstrap file selecting records")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log device activity")
	cmd.MarkFlagRequired("device")
	return cmd
}

func printRecord(rec *read.Record) {
	if rec.IsLabel() {
		fmt.Printf("%s:%d:%d %s VolSessionId=%d VolSessionTime=%d\n",
			rec.VolumeName, rec.File, rec.Block, block.LabelName(rec.FileIndex), rec.VolSessionId, rec.VolSessionTime)
		return
	}
	job := ""
	if rec.Session != nil {
		job = rec.Session.Job
	}
	fmt.Printf("%s:%d:%d FileIndex=%d Stream=%d len=%s %s\n",
		rec.VolumeName, rec.File, rec.Block, rec.FileIndex, rec.Stream, humanize.IBytes(uint64(len(rec.Data))), job)
}
