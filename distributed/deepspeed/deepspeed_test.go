package deepspeed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gradflow/gradflow/distributed"
	"github.com/gradflow/gradflow/nn"
	"github.com/gradflow/gradflow/pkg/support/misconfig"
	"github.com/gradflow/gradflow/train"
	"github.com/gradflow/gradflow/train/optimizers"
	"github.com/gradflow/gradflow/types/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine records its Initialize call and hands back canned objects.
type stubEngine struct {
	initialized bool
	localRank   int
	config      *Config

	module *stubEngineModule
}

func (e *stubEngine) Initialize(localRank int, module nn.Module, params []*tensor.Tensor, config *Config) (EngineModule, optimizers.Optimizer, optimizers.Scheduler, error) {
	e.initialized = true
	e.localRank = localRank
	e.config = config
	e.module = &stubEngineModule{Module: module}
	opt := optimizers.NewSGD(params, 0.1)
	sched, err := optimizers.NewSWALR(opt, []float64{0.01}, 1, optimizers.AnnealCos)
	if err != nil {
		return nil, nil, nil, err
	}
	return e.module, opt, sched, nil
}

// stubEngineModule counts the steps driven through the engine.
type stubEngineModule struct {
	nn.Module
	steps int
}

func (m *stubEngineModule) Step(closure optimizers.Closure) (float64, error) {
	m.steps++
	if closure == nil {
		return 0, nil
	}
	return closure()
}

// configuredModel declares its optimizer and scheduler for the engine.
type configuredModel struct {
	nn.Module
}

func (m *configuredModel) ConfigureOptimizers() (optimizer, scheduler map[string]map[string]any) {
	return map[string]map[string]any{"SGD": {"lr": 0.1}},
		map[string]map[string]any{"WarmupLR": {"warmup_num_steps": 100}}
}

func singleRankEnv(t *testing.T) {
	t.Setenv("RANK", "0")
	t.Setenv("WORLD_SIZE", "1")
	t.Setenv("LOCAL_RANK", "0")
}

func testModel() nn.Module {
	return nn.NewSequential(nn.NewLinear(2, 2))
}

func testStep(model nn.Module, inputs, labels *tensor.Tensor) (float64, error) {
	return 1.0, nil
}

func newAdapterUnderTest(t *testing.T, doc map[string]any) (*Adapter, *stubEngine, *train.Loop) {
	t.Helper()
	engine := &stubEngine{}
	adapter := NewAdapter(engine, NewConfig(doc))
	model := testModel()
	adapter.Setup(model)
	loop := train.NewLoop(train.NewTrainer(model, testStep), 2)
	loop.BatchSize = 8
	return adapter, engine, loop
}

func TestAdapterStates(t *testing.T) {
	assert.Equal(t, Uninitialized, NewAdapter(&stubEngine{}, nil).State())
	assert.Equal(t, ConfigLoaded, NewAdapter(&stubEngine{}, NewConfig(map[string]any{"fp16": map[string]any{}})).State())
}

func TestPreTrainingHappyPath(t *testing.T) {
	singleRankEnv(t)
	adapter, engine, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam", "params": map[string]any{"lr": 0.001}},
	})
	loop.AccumulateGradBatches = 4

	require.NoError(t, adapter.PreTraining(loop))
	assert.Equal(t, Training, adapter.State())
	assert.True(t, engine.initialized)
	assert.Equal(t, 0, engine.localRank)

	// The engine's optimizer and scheduler got installed and the step was
	// delegated.
	require.Len(t, loop.Optimizers, 1)
	require.Len(t, loop.Schedulers, 1)
	assert.Same(t, adapter, loop.StepDelegate)

	// Batch sizing came from the loop, and the config is locked.
	config := adapter.config
	assert.True(t, config.Finalized())
	assert.Equal(t, 8, config.Get(KeyMicroBatchSize))
	assert.Equal(t, 4, config.Get(KeyGradAccumSteps))
	assert.True(t, config.Has(KeyGradClipping))
}

func TestPreTrainingUsesModelOptimizerDeclaration(t *testing.T) {
	singleRankEnv(t)
	engine := &stubEngine{}
	model := &configuredModel{Module: testModel()}
	adapter := NewAdapter(engine, NewConfig(map[string]any{
		"zero_optimization": map[string]any{"stage": 2},
	}))
	adapter.Setup(model)
	loop := train.NewLoop(train.NewTrainer(model, testStep), 1)
	loop.BatchSize = 2

	require.NoError(t, adapter.PreTraining(loop))

	config := adapter.config
	assert.Equal(t, true, config.Get("zero_allow_untested_optimizer"))
	optimizerSpec, ok := config.Get(KeyOptimizer).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "SGD", optimizerSpec["type"])
	schedulerSpec, ok := config.Get(KeyScheduler).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "WarmupLR", schedulerSpec["type"])
}

func TestPreTrainingNoOptimizerAnywhere(t *testing.T) {
	singleRankEnv(t)
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{
		"zero_optimization": map[string]any{"stage": 2},
	})
	err := adapter.PreTraining(loop)
	require.Error(t, err)
	assert.True(t, misconfig.Is(err))
}

func TestPreTrainingForbiddenKeys(t *testing.T) {
	singleRankEnv(t)
	for _, key := range []string{KeyTrainBatchSize, KeyMicroBatchSize, KeyGradAccumSteps} {
		t.Run(key, func(t *testing.T) {
			adapter, _, loop := newAdapterUnderTest(t, map[string]any{
				KeyOptimizer: map[string]any{"type": "Adam"},
				key:          4,
			})
			err := adapter.PreTraining(loop)
			require.Error(t, err)
			assert.True(t, misconfig.Is(err))
		})
	}
}

func TestPreTrainingEmptyConfig(t *testing.T) {
	singleRankEnv(t)
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{})
	err := adapter.PreTraining(loop)
	require.Error(t, err)
	assert.True(t, misconfig.Is(err))
}

func TestPreTrainingWithoutSetup(t *testing.T) {
	adapter := NewAdapter(&stubEngine{}, NewConfig(map[string]any{"fp16": map[string]any{}}))
	model := testModel()
	loop := train.NewLoop(train.NewTrainer(model, testStep), 1)
	assert.Error(t, adapter.PreTraining(loop))
}

func TestPreTrainingMissingRankEnv(t *testing.T) {
	t.Setenv("RANK", "0")
	t.Setenv("WORLD_SIZE", "1")
	os.Unsetenv("LOCAL_RANK")
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam"},
	})
	err := adapter.PreTraining(loop)
	require.Error(t, err)
	assert.True(t, misconfig.Is(err))
	assert.NotEqual(t, Training, adapter.State())
}

func TestPrecisionConfig(t *testing.T) {
	singleRankEnv(t)
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam"},
	})
	loop.Precision = 16
	loop.AMPMode = train.AMPNative
	require.NoError(t, adapter.PreTraining(loop))

	fp16, ok := adapter.config.Get(KeyFP16).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, fp16["enabled"])
	assert.False(t, adapter.config.Has(KeyAMP))
}

func TestApexPrecisionConfig(t *testing.T) {
	singleRankEnv(t)
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam"},
	})
	loop.Precision = 16
	loop.AMPMode = train.AMPApex
	loop.AMPLevel = "O2"
	require.NoError(t, adapter.PreTraining(loop))

	amp, ok := adapter.config.Get(KeyAMP).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, amp["enabled"])
	assert.Equal(t, "O2", amp["opt_level"])
}

func TestOptimizerStepDelegatesToEngine(t *testing.T) {
	singleRankEnv(t)
	adapter, engine, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam"},
	})
	require.NoError(t, adapter.PreTraining(loop))

	loss, err := adapter.OptimizerStep(nil, func() (float64, error) { return 2.5, nil })
	require.NoError(t, err)
	assert.Equal(t, 2.5, loss)
	assert.Equal(t, 1, engine.module.steps)
}

func TestOptimizerStepBeforeInitialization(t *testing.T) {
	adapter := NewAdapter(&stubEngine{}, nil)
	_, err := adapter.OptimizerStep(nil, nil)
	assert.Error(t, err)
}

func TestInitOptimizersReturnsEmptyLists(t *testing.T) {
	opts, scheds, frequencies := NewAdapter(&stubEngine{}, nil).InitOptimizers()
	assert.NotNil(t, opts)
	assert.Empty(t, opts)
	assert.NotNil(t, scheds)
	assert.Empty(t, scheds)
	assert.NotNil(t, frequencies)
	assert.Empty(t, frequencies)
}

func TestReduce(t *testing.T) {
	adapter := NewAdapter(&stubEngine{}, nil)

	// Non-tensor values pass through untouched.
	got, err := adapter.Reduce(3.5, distributed.ReduceMean)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)

	// Tensors pass through too while no channel is open.
	x := tensor.FromFlat([]float32{1, 2}, 2)
	got, err = adapter.Reduce(x, distributed.ReduceSum)
	require.NoError(t, err)
	assert.Same(t, x, got)

	// With the single-process channel open, the reduction is the identity.
	require.NoError(t, adapter.comm.Open("gloo"))
	got, err = adapter.Reduce(x, distributed.ReduceSum)
	require.NoError(t, err)
	assert.Same(t, x, got)
	assert.Equal(t, []float32{1, 2}, x.Data())
}

func TestBroadcastThroughLocalChannel(t *testing.T) {
	adapter := NewAdapter(&stubEngine{}, nil)
	require.NoError(t, adapter.comm.Open("gloo"))
	got, err := adapter.Broadcast("payload", 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gradient_clipping": 0.5}`), 0o644))
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, config.Get(KeyGradClipping))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o644))
	_, err = LoadConfig(bad)
	require.Error(t, err)
	assert.True(t, misconfig.Is(err))
}

func TestConfigLocksAfterFinalize(t *testing.T) {
	singleRankEnv(t)
	adapter, _, loop := newAdapterUnderTest(t, map[string]any{
		KeyOptimizer: map[string]any{"type": "Adam"},
	})
	require.NoError(t, adapter.PreTraining(loop))
	assert.Panics(t, func() { adapter.config.set("extra", 1) })
}

func TestRoundToHalf(t *testing.T) {
	x := tensor.FromFlat([]float32{1, 0.1, 1.0 / 3.0}, 3)
	rounded := RoundToHalf(x)
	// Exactly representable values survive, the rest move slightly.
	assert.Equal(t, float32(1), rounded.Data()[0])
	assert.NotEqual(t, float32(0.1), rounded.Data()[1])
	assert.InDelta(t, 0.1, rounded.Data()[1], 1e-3)
	// The source is untouched.
	assert.Equal(t, float32(0.1), x.Data()[1])
}

func TestWrapPrecision(t *testing.T) {
	model := testModel()
	assert.Same(t, model, wrapPrecision(model, 32))

	wrapped := wrapPrecision(model, 16)
	require.IsType(t, &halfModule{}, wrapped)
	require.Len(t, wrapped.Children(), 1)
	assert.Same(t, model, wrapped.Children()[0])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "config-loaded", ConfigLoaded.String())
	assert.Equal(t, "rank-resolved", RankResolved.String())
	assert.Equal(t, "engine-initialized", EngineInitialized.String())
	assert.Equal(t, "training", Training.String())
}
