package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	nvmeemu "github.com/qdepth/nvme-emu"
	"github.com/qdepth/nvme-emu/internal/logging"
)

func main() {
	var (
		memSize      = flag.String("memory", "16M", "Size of the emulated host memory region (e.g., 16M, 256M)")
		tickInterval = flag.Duration("tick", nvmeemu.DefaultTickInterval, "Worker wake interval; 0 disables the background worker")
		asqSize      = flag.Uint("asqs", nvmeemu.DefaultAdminQueueSize, "Admin submission queue size (zero-based)")
		acqSize      = flag.Uint("acqs", nvmeemu.DefaultAdminQueueSize, "Admin completion queue size (zero-based)")
		asqBase      = flag.Uint64("asq", 0x1000, "Admin submission queue base address in emulated host memory")
		acqBase      = flag.Uint64("acq", 0x2000, "Admin completion queue base address in emulated host memory")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*memSize)
	if err != nil {
		log.Fatalf("invalid memory size %q: %v", *memSize, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := nvmeemu.DefaultParams()
	params.MemorySize = uint64(size)
	params.TickInterval = *tickInterval

	controller, err := nvmeemu.CreateAndServe(ctx, params, &nvmeemu.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create controller", "error", err)
		os.Exit(1)
	}

	regs := controller.Registers()
	regs.SetAQA(uint16(*asqSize), uint16(*acqSize))
	regs.SetASQBase(*asqBase)
	regs.SetACQBase(*acqBase)
	regs.SetEnabled(true)

	logger.Info("controller enabled",
		"memory_bytes", size,
		"tick_interval", *tickInterval,
		"asq_base", fmt.Sprintf("0x%x", *asqBase),
		"acq_base", fmt.Sprintf("0x%x", *acqBase))

	if *tickInterval == 0 {
		if err := controller.CheckForChanges(); err != nil {
			logger.Error("tick failed", "error", err)
		}
	} else {
		waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
		if err := controller.WaitForFlip(waitCtx); err != nil {
			logger.Warn("timed out waiting for first tick", "error", err)
		}
		waitCancel()
	}

	fmt.Printf("Controller enabled: admin SQ at 0x%x, admin CQ at 0x%x\n", *asqBase, *acqBase)
	fmt.Printf("Memory: %s (%d bytes), queue depth: %d\n", formatSize(size), size, controller.QueueDepth())
	fmt.Printf("\nPress Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := nvmeemu.StopAndDelete(stopCtx, controller); err != nil {
		logger.Error("error stopping controller", "error", err)
		os.Exit(1)
	}
	logger.Info("controller stopped")
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	multiplier := int64(1)
	numStr := s
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			multiplier = 1024
			numStr = s[:n-1]
		case 'M', 'm':
			multiplier = 1024 * 1024
			numStr = s[:n-1]
		case 'G', 'g':
			multiplier = 1024 * 1024 * 1024
			numStr = s[:n-1]
		}
	}

	var num int64
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
