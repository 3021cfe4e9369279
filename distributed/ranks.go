package distributed

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/gradflow/gradflow/pkg/support/misconfig"
	"github.com/gradflow/gradflow/types/tensor"
)

// RankTopology identifies one process of a distributed training job. It is
// read from the process environment once, before training, and is immutable
// afterwards.
type RankTopology struct {
	// GlobalRank of this process across all nodes.
	GlobalRank int `env:"RANK,required"`

	// WorldSize is the total number of processes.
	WorldSize int `env:"WORLD_SIZE,required"`

	// LocalRank of this process within its node; selects the local device.
	LocalRank int `env:"LOCAL_RANK,required"`
}

// RanksFromEnv resolves the rank topology strictly from the RANK, WORLD_SIZE
// and LOCAL_RANK environment variables. A missing or non-integer variable is
// a configuration error -- the launcher is expected to set all three.
func RanksFromEnv() (RankTopology, error) {
	var ranks RankTopology
	if err := env.Parse(&ranks); err != nil {
		return RankTopology{}, misconfig.WithMessagef(err, "distributed: resolving RANK/WORLD_SIZE/LOCAL_RANK from the environment")
	}
	if ranks.WorldSize < 1 {
		return RankTopology{}, misconfig.Errorf("distributed: WORLD_SIZE must be >= 1, got %d", ranks.WorldSize)
	}
	if ranks.GlobalRank < 0 || ranks.GlobalRank >= ranks.WorldSize {
		return RankTopology{}, misconfig.Errorf("distributed: RANK %d outside of world of size %d", ranks.GlobalRank, ranks.WorldSize)
	}
	if ranks.LocalRank < 0 {
		return RankTopology{}, misconfig.Errorf("distributed: LOCAL_RANK must be >= 0, got %d", ranks.LocalRank)
	}
	return ranks, nil
}

// LocalDevice returns the compute device of this rank for the given
// accelerator type: "cuda:<localRank>" on CUDA, the accelerator itself
// otherwise.
func (t RankTopology) LocalDevice(accelerator string) tensor.Device {
	if accelerator == string(tensor.CUDA) {
		return tensor.Device(fmt.Sprintf("cuda:%d", t.LocalRank))
	}
	return tensor.Device(accelerator)
}

// SamplerArgs parameterizes a data-partitioning sampler.
type SamplerArgs struct {
	// NumReplicas is the number of partitions, one per rank.
	NumReplicas int

	// Rank selects this process's partition.
	Rank int
}

// SamplerArgs returns the sampler parameters for this rank.
func (t RankTopology) SamplerArgs() SamplerArgs {
	return SamplerArgs{NumReplicas: t.WorldSize, Rank: t.GlobalRank}
}
