package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/blockimage/partimage/internal/config"
	"github.com/blockimage/partimage/internal/logger"
	"github.com/blockimage/partimage/pkg/partimage"
	"github.com/spf13/cobra"
)

func changeFileFlag(cmd *cobra.Command) string {
	cf, _ := cmd.Flags().GetString("change-file")
	return cf
}

func tolerantFlag(cmd *cobra.Command) bool {
	tolerant, _ := cmd.Flags().GetBool("tolerant")
	return tolerant || config.Instance.Engine.TolerantMode
}

func reportAnomaly(kind string, count int) {
	logger.LogWarn("anomalous usage-map bytes detected", map[string]interface{}{
		"kind":  kind,
		"count": count,
	})
}

func openImage(cmd *cobra.Command, path string, mode partimage.OpenMode) (*partimage.Context, error) {
	// The base image is always opened read-only, even in read-write
	// mode: writes go through the change-file overlay, never the base
	// file (spec §4.1, §5). This keeps multiple read-write contexts
	// over one image safe to open concurrently at the OS level.
	backend, err := partimage.OpenFileBackend(path, partimage.ReadOnly)
	if err != nil {
		return nil, err
	}

	cfPath := changeFileFlag(cmd)
	if cfPath == "" {
		cfPath = path + config.Instance.Engine.ChangeFileSuffix
		if _, err := os.Stat(cfPath); err != nil {
			cfPath = ""
		}
	}

	return partimage.Open(backend, path, partimage.Options{
		Mode:            mode,
		Tolerant:        tolerantFlag(cmd),
		ChangeFilePath:  cfPath,
		PrefixSumFactor: config.Instance.Engine.PrefixSumFactor,
		AnomalyReporter: reportAnomaly,
	})
}

var probeCmd = &cobra.Command{
	Use:   "probe <image>",
	Short: "Identify an image's version stamp without fully opening it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := partimage.OpenFileBackend(args[0], partimage.ReadOnly)
		if err != nil {
			return err
		}
		defer backend.Close()

		stamp, err := partimage.Probe(backend)
		if err != nil {
			return err
		}
		fmt.Println(stamp)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Verify an image's header and usage index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openImage(cmd, args[0], partimage.ModeReadOnly)
		if ctx != nil {
			defer ctx.Close()
		}
		if err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Print an image's block size and block count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openImage(cmd, args[0], partimage.ModeReadOnly)
		if ctx != nil {
			defer ctx.Close()
		}
		if err != nil {
			return err
		}
		fmt.Printf("block_size=%d total_blocks=%d\n", ctx.BlockSize(), ctx.BlockCount())
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <image> <block> [count]",
	Short: "Write one or more blocks starting at <block> to stdout",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openImage(cmd, args[0], partimage.ModeReadOnly)
		if ctx != nil {
			defer ctx.Close()
		}
		if err != nil {
			return err
		}

		block, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block number: %w", err)
		}
		count := uint64(1)
		if len(args) == 3 {
			count, err = strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid count: %w", err)
			}
		}

		if err := ctx.Seek(block); err != nil {
			return err
		}
		buf := make([]byte, uint64(ctx.BlockSize())*count)
		if err := ctx.ReadBlocks(buf, count); err != nil {
			return err
		}
		_, err = os.Stdout.Write(buf)
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <image> <block>",
	Short: "Write one block from stdin into the change-file overlay",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openImage(cmd, args[0], partimage.ModeReadWrite)
		if ctx != nil {
			defer ctx.Close()
		}
		if err != nil {
			return err
		}

		block, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block number: %w", err)
		}

		buf := make([]byte, ctx.BlockSize())
		if _, err := io.ReadFull(os.Stdin, buf); err != nil {
			return fmt.Errorf("reading block from stdin: %w", err)
		}

		if err := ctx.Seek(block); err != nil {
			return err
		}
		if err := ctx.WriteBlocks(buf, 1); err != nil {
			return err
		}
		return ctx.Sync()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <image>",
	Short: "Flush the change-file overlay to stable storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := openImage(cmd, args[0], partimage.ModeReadWrite)
		if ctx != nil {
			defer ctx.Close()
		}
		if err != nil {
			return err
		}
		return ctx.Sync()
	},
}
