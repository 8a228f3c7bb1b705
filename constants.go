package nvmeemu

import (
	"github.com/qdepth/nvme-emu/internal/constants"
	"github.com/qdepth/nvme-emu/internal/nvme"
)

// Re-exported defaults for the public API.
const (
	DefaultMemorySize          = constants.DefaultMemorySize
	DefaultTickInterval        = constants.DefaultTickInterval
	DefaultMemoryPageSizeShift = constants.DefaultMemoryPageSizeShift
	DefaultAdminQueueSize      = constants.DefaultAdminQueueSize

	// AdminQueueID is the reserved queue id for the admin SQ/CQ pair.
	AdminQueueID = nvme.AdminQueueID

	// MaxCID is the size of the 16-bit command-identifier namespace.
	MaxCID = nvme.MaxCID
)
