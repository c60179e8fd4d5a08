package distribution

import (
	"github.com/benbjohnson/clock"

	"voxelstream.ai/internal/protocol"
)

// EnvironmentSource produces the periodic server state packet.
type EnvironmentSource interface {
	Environment() protocol.Environment
}

type VoxelCounter interface {
	VoxelCount() int
}

type ClientCounter interface {
	Count() int
}

type serverEnvironment struct {
	clock   clock.Clock
	voxels  VoxelCounter
	clients ClientCounter
}

func NewEnvironment(clk clock.Clock, voxels VoxelCounter, clients ClientCounter) EnvironmentSource {
	if clk == nil {
		clk = clock.New()
	}
	return &serverEnvironment{clock: clk, voxels: voxels, clients: clients}
}

func (e *serverEnvironment) Environment() protocol.Environment {
	env := protocol.Environment{ServerTime: e.clock.Now()}
	if e.voxels != nil {
		env.Voxels = e.voxels.VoxelCount()
	}
	if e.clients != nil {
		env.Clients = e.clients.Count()
	}
	return env
}
