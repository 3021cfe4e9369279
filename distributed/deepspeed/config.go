package deepspeed

import (
	"encoding/json"
	"os"

	"github.com/gradflow/gradflow/pkg/support/misconfig"
	"github.com/pkg/errors"
)

// Recognized top-level keys of the engine configuration document.
const (
	KeyOptimizer      = "optimizer"
	KeyScheduler      = "scheduler"
	KeyTrainBatchSize = "train_batch_size"
	KeyMicroBatchSize = "train_micro_batch_size_per_gpu"
	KeyGradAccumSteps = "gradient_accumulation_steps"
	KeyGradClipping   = "gradient_clipping"
	KeyFP16           = "fp16"
	KeyAMP            = "amp"

	keyZeroAllowUntested = "zero_allow_untested_optimizer"
)

// Config is the declarative engine configuration: a JSON-compatible document
// merged from user input and values derived from the host loop.
//
// The adapter owns it exclusively and finalizes it exactly once, lazily, the
// first time the engine is initialized; after that it is locked and
// mutations panic.
type Config struct {
	doc       map[string]any
	finalized bool
}

// LoadConfig reads the configuration document from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "deepspeed: reading engine config %q", path)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, misconfig.WithMessagef(err, "deepspeed: engine config %q is not a JSON document", path)
	}
	return NewConfig(doc), nil
}

// NewConfig wraps an in-memory configuration document. The top-level map is
// copied; nested values are shared.
func NewConfig(doc map[string]any) *Config {
	copied := make(map[string]any, len(doc))
	for key, value := range doc {
		copied[key] = value
	}
	return &Config{doc: copied}
}

// Has reports whether the document contains the given top-level key.
func (c *Config) Has(key string) bool {
	_, found := c.doc[key]
	return found
}

// Get returns the value of a top-level key, or nil.
func (c *Config) Get(key string) any { return c.doc[key] }

// Empty reports whether the document has no keys.
func (c *Config) Empty() bool { return len(c.doc) == 0 }

// Finalized reports whether the document has been locked.
func (c *Config) Finalized() bool { return c.finalized }

func (c *Config) set(key string, value any) {
	if c.finalized {
		panic("deepspeed.Config: mutation after the config was finalized")
	}
	c.doc[key] = value
}

// MarshalJSON implements json.Marshaler, serializing the document.
func (c *Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.doc)
}

// refSpec builds an optimizer/scheduler reference: {"type": ..., "params": ...}.
func refSpec(typeName string, params map[string]any) map[string]any {
	return map[string]any{"type": typeName, "params": params}
}

// singleDefinition unpacks a definition map that must hold exactly one
// entry, mapping a type name to its parameters.
func singleDefinition(kind string, def map[string]map[string]any) (typeName string, params map[string]any, err error) {
	if len(def) != 1 {
		return "", nil, misconfig.Errorf(
			"deepspeed: the model's %s definition must hold exactly one entry, got %d -- a single optimizer and a single scheduler are supported",
			kind, len(def))
	}
	for name, p := range def {
		typeName, params = name, p
	}
	return typeName, params, nil
}
