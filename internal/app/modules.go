package app

import (
	"github.com/vk/modhost/internal/registry"
	"github.com/vk/modhost/modules/distancesensor"
	"github.com/vk/modhost/modules/speedgovernor"
)

// coreModules is the definitive list of all loadable module packages that
// are compiled into the modhost binary.
var coreModules = []registry.Module{
	&speedgovernor.Module{},
	&distancesensor.Module{},
}
