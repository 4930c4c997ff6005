package backend

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/models"
)

var ortMu sync.Mutex

// InitializeGraphRuntime loads the onnxruntime shared library once per
// process. libPath may be empty to use the library's default lookup.
func InitializeGraphRuntime(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return nil
}

// DestroyGraphRuntime tears the onnxruntime environment down. All graph
// backends must be closed first.
func DestroyGraphRuntime() error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// GraphBackend runs ONNX models with dynamic input binding: host tensors
// are copied into fresh onnxruntime values on every call.
type GraphBackend struct {
	session *ort.DynamicAdvancedSession
	spec    models.ModelIOSpec
	logger  *zap.SugaredLogger
}

func NewGraphBackend(modelPath string, opts Options) (*GraphBackend, error) {
	logger := opts.logger()
	if _, err := checkModelFile(modelPath); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		return nil, models.NewError(models.ErrModelLoad, nil, "onnxruntime environment is not initialized")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "read model %s", modelPath)
	}
	spec, err := graphIOSpec(inputs, outputs)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "create session options")
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(opts.threads())
	options.SetInterOpNumThreads(opts.threads())

	if opts.UseGPU {
		if err := appendCUDA(options); err != nil {
			logger.Warnw("CUDA execution provider unavailable, running on CPU", "error", err)
		} else {
			logger.Infow("using CUDA execution provider")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, spec.InputNames, spec.OutputNames, options)
	if err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "create session for %s", modelPath)
	}

	logger.Infow("onnx model loaded", "path", modelPath, "inputs", spec.InputShapes, "outputs", spec.OutputShapes)
	return &GraphBackend{session: session, spec: spec, logger: logger}, nil
}

func appendCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func graphIOSpec(inputs, outputs []ort.InputOutputInfo) (models.ModelIOSpec, error) {
	spec := models.ModelIOSpec{
		InputShapes:  make(map[string]models.Shape, len(inputs)),
		OutputShapes: make(map[string]models.Shape, len(outputs)),
	}
	for _, in := range inputs {
		if in.DataType != ort.TensorElementDataTypeFloat {
			return spec, models.NewError(models.ErrUnsupportedModel, nil, "input %q has element type %v, want float32", in.Name, in.DataType)
		}
		spec.InputNames = append(spec.InputNames, in.Name)
		spec.InputShapes[in.Name] = models.NewShape(in.Dimensions...)
	}
	for _, out := range outputs {
		if out.DataType != ort.TensorElementDataTypeFloat {
			return spec, models.NewError(models.ErrUnsupportedModel, nil, "output %q has element type %v, want float32", out.Name, out.DataType)
		}
		if len(out.Dimensions) == 0 {
			return spec, models.NewError(models.ErrUnsupportedModel, nil, "output %q reports no shape", out.Name)
		}
		spec.OutputNames = append(spec.OutputNames, out.Name)
		spec.OutputShapes[out.Name] = models.NewShape(out.Dimensions...)
	}
	if len(spec.InputNames) == 0 || len(spec.OutputNames) == 0 {
		return spec, models.NewError(models.ErrUnsupportedModel, nil, "model has %d inputs and %d outputs", len(spec.InputNames), len(spec.OutputNames))
	}
	return spec, nil
}

func (b *GraphBackend) IOSpec() models.ModelIOSpec {
	return cloneSpec(b.spec)
}

func (b *GraphBackend) Infer(inputs []models.TensorBuffer) (result []models.TensorBuffer, err error) {
	if b.session == nil {
		return nil, models.NewError(models.ErrNotReady, nil, "onnx session is closed")
	}
	if err := checkInputs(b.spec, inputs); err != nil {
		return nil, err
	}

	values := make([]ort.Value, 0, len(inputs)+len(b.spec.OutputNames))
	defer func() {
		for _, v := range values {
			err = multierr.Append(err, v.Destroy())
		}
	}()

	inValues := make([]ort.Value, len(inputs))
	for i, in := range inputs {
		data := make([]float32, len(in.Data))
		copy(data, in.Data)
		tensor, err := ort.NewTensor(ort.NewShape(in.Shape...), data)
		if err != nil {
			return nil, models.NewError(models.ErrInference, err, "create input tensor %q", b.spec.InputNames[i])
		}
		values = append(values, tensor)
		inValues[i] = tensor
	}

	// nil outputs are allocated by onnxruntime with the shapes it computes.
	outValues := make([]ort.Value, len(b.spec.OutputNames))
	if err := b.session.Run(inValues, outValues); err != nil {
		for _, v := range outValues {
			if v != nil {
				values = append(values, v)
			}
		}
		return nil, models.NewError(models.ErrInference, err, "run session")
	}
	values = append(values, outValues...)

	result = make([]models.TensorBuffer, len(outValues))
	for i, v := range outValues {
		tensor, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, models.NewError(models.ErrUnsupportedModel, nil, "output %q is not a float32 tensor", b.spec.OutputNames[i])
		}
		shape := tensor.GetShape()
		if len(shape) == 0 {
			return nil, models.NewError(models.ErrUnsupportedModel, nil, "output %q reports no shape", b.spec.OutputNames[i])
		}
		data := tensor.GetData()
		result[i] = models.TensorBuffer{
			Data:  append([]float32(nil), data...),
			Shape: models.NewShape(shape...),
		}
	}
	return result, nil
}

func (b *GraphBackend) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}
