// Package clip runs the two CLIP inference pipelines: the vision transformer
// producing image embeddings and the multilingual text transformer producing
// text embeddings in the same joint space. Both pipelines feed a batching
// coordinator so individually-arriving requests execute as tensor batches.
package clip

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

// InitRuntime loads the ONNX Runtime shared library and initializes the
// process-wide environment. ortLibPath may be empty to use the system
// default. Call once at startup, before creating any model.
func InitRuntime(ortLibPath string) error {
	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnxruntime: %w", err)
	}
	return nil
}

// CloseRuntime tears down the ONNX Runtime environment. Sessions must be
// destroyed first.
func CloseRuntime() {
	_ = ort.DestroyEnvironment()
}

// newSessionOptions builds session options, asking for the CUDA execution
// provider when useCUDA is set and falling back to CPU if it is unavailable.
func newSessionOptions(useCUDA bool, logger zerolog.Logger) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if useCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			logger.Warn().Err(err).Msg("CUDA provider unavailable, running on CPU")
			return opts, nil
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			logger.Warn().Err(err).Msg("can't enable CUDA provider, running on CPU")
		}
		_ = cuda.Destroy()
	}
	return opts, nil
}

// signatureNames reads the input and output names from a model file so
// sessions always bind by the model's own signature.
func signatureNames(path string) (inputs, outputs []string, err error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("model not found at %s: %w", path, err)
	}
	in, out, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read model signature %s: %w", path, err)
	}
	if len(in) == 0 || len(out) == 0 {
		return nil, nil, fmt.Errorf("model %s has no inputs or outputs", path)
	}
	for _, info := range in {
		inputs = append(inputs, info.Name)
	}
	for _, info := range out {
		outputs = append(outputs, info.Name)
	}
	return inputs, outputs, nil
}
