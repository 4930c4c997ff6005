// Package backend loads models into an inference runtime and runs them on
// host tensors. Three runtimes are supported: ONNX Runtime (graph
// execution), TensorFlow Lite (compiled engine with statically allocated
// tensors) and OpenCV DNN (classic framework).
package backend

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/models"
)

// Backend runs a loaded model. Implementations are not safe for concurrent
// use; give each goroutine its own instance.
type Backend interface {
	IOSpec() models.ModelIOSpec
	Infer(inputs []models.TensorBuffer) ([]models.TensorBuffer, error)
	Close() error
}

// Kind identifies a backend implementation.
type Kind int

const (
	KindGraph Kind = iota
	KindEngine
	KindFramework
)

func (k Kind) String() string {
	switch k {
	case KindGraph:
		return "onnxruntime"
	case KindEngine:
		return "tflite"
	case KindFramework:
		return "opencv-dnn"
	default:
		return "unknown"
	}
}

// KindForModel picks the runtime from the model file extension.
func KindForModel(modelPath string) Kind {
	switch strings.ToLower(filepath.Ext(modelPath)) {
	case ".onnx":
		return KindGraph
	case ".tflite", ".engine":
		return KindEngine
	default:
		return KindFramework
	}
}

type Options struct {
	UseGPU bool
	// Threads caps runtime worker threads. Zero means one per CPU.
	Threads int
	Logger  *zap.SugaredLogger
}

func (o Options) threads() int {
	if o.Threads > 0 {
		return o.Threads
	}
	return runtime.NumCPU()
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// Open loads modelPath with the runtime matching its extension. configPath
// is the optional topology file used by OpenCV DNN.
func Open(modelPath, configPath string, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch KindForModel(modelPath) {
	case KindGraph:
		b, err = NewGraphBackend(modelPath, opts)
	case KindEngine:
		b, err = NewEngineBackend(modelPath, opts)
	default:
		b, err = NewFrameworkBackend(modelPath, configPath, opts)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// checkModelFile rejects missing, unreadable, directory and empty files.
func checkModelFile(path string) (os.FileInfo, error) {
	if path == "" {
		return nil, models.NewError(models.ErrModelLoad, nil, "model path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "model file not found: %s", path)
	}
	if info.IsDir() {
		return nil, models.NewError(models.ErrModelLoad, nil, "model path is a directory: %s", path)
	}
	if info.Size() == 0 {
		return nil, models.NewError(models.ErrModelLoad, nil, "model file is empty: %s", path)
	}
	return info, nil
}

// checkInputs verifies inputs line up 1:1 with the bound inputs. Dynamic
// bound dimensions accept any size.
func checkInputs(spec models.ModelIOSpec, inputs []models.TensorBuffer) error {
	if len(inputs) != len(spec.InputNames) {
		return models.NewError(models.ErrInference, nil, "got %d input tensors, model has %d inputs", len(inputs), len(spec.InputNames))
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			return models.NewError(models.ErrInference, err, "input %q", spec.InputNames[i])
		}
		bound, ok := spec.InputShape(i)
		if ok && len(bound) > 0 && !in.Shape.Matches(bound) {
			return models.NewError(models.ErrInference, nil, "input %q has shape %v, model is bound to %v", spec.InputNames[i], in.Shape, bound)
		}
	}
	return nil
}

func cloneShapes(m map[string]models.Shape) map[string]models.Shape {
	out := make(map[string]models.Shape, len(m))
	for k, v := range m {
		out[k] = models.NewShape(v...)
	}
	return out
}

func cloneSpec(s models.ModelIOSpec) models.ModelIOSpec {
	return models.ModelIOSpec{
		InputNames:      append([]string(nil), s.InputNames...),
		OutputNames:     append([]string(nil), s.OutputNames...),
		InputShapes:     cloneShapes(s.InputShapes),
		OutputShapes:    cloneShapes(s.OutputShapes),
		OutputLayerType: s.OutputLayerType,
		AuxiliaryInputs: append([]string(nil), s.AuxiliaryInputs...),
	}
}
