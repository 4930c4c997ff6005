package backend

import (
	"bytes"
	"fmt"

	tflite "github.com/mattn/go-tflite"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/models"
)

// tfliteIdentifier is the flatbuffer file identifier at bytes 4..8 of every
// TensorFlow Lite model.
var tfliteIdentifier = []byte("TFL3")

// EngineBackend runs a compiled TensorFlow Lite model. Tensor memory is
// allocated once at load time from the model's static bindings and reused
// for every call, so inputs must match those shapes exactly.
type EngineBackend struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter

	// data backs model and must outlive it.
	data    []byte
	release func() error

	spec    models.ModelIOSpec
	outputs [][]float32
	logger  *zap.SugaredLogger
}

func NewEngineBackend(modelPath string, opts Options) (_ *EngineBackend, err error) {
	logger := opts.logger()
	if _, err := checkModelFile(modelPath); err != nil {
		return nil, err
	}

	data, release, err := readModelFile(modelPath)
	if err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "read engine %s", modelPath)
	}

	b := &EngineBackend{data: data, release: release, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	if err := checkEngineHeader(data); err != nil {
		return nil, models.NewError(models.ErrModelLoad, err, "deserialize engine %s", modelPath)
	}

	b.model = tflite.NewModel(b.data)
	if b.model == nil {
		return nil, models.NewError(models.ErrModelLoad, nil, "deserialize engine %s", modelPath)
	}

	b.options = tflite.NewInterpreterOptions()
	if b.options == nil {
		return nil, models.NewError(models.ErrModelLoad, nil, "create interpreter options")
	}
	b.options.SetNumThread(opts.threads())
	b.options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Warnw("tflite", "message", msg)
	}, nil)
	if opts.UseGPU {
		logger.Warnw("no GPU delegate configured for tflite engines, running on CPU")
	}

	b.interpreter = tflite.NewInterpreter(b.model, b.options)
	if b.interpreter == nil {
		return nil, models.NewError(models.ErrModelLoad, nil, "create interpreter for %s", modelPath)
	}
	if status := b.interpreter.AllocateTensors(); status != tflite.OK {
		return nil, models.NewError(models.ErrModelLoad, nil, "allocate engine tensors: status %v", status)
	}

	if err := b.bind(); err != nil {
		return nil, err
	}

	logger.Infow("tflite engine loaded", "path", modelPath, "inputs", b.spec.InputShapes, "outputs", b.spec.OutputShapes)
	return b, nil
}

func checkEngineHeader(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("engine is only %d bytes", len(data))
	}
	if !bytes.Equal(data[4:8], tfliteIdentifier) {
		return fmt.Errorf("unexpected file identifier %q, want %q", data[4:8], tfliteIdentifier)
	}
	return nil
}

// bind records the static tensor bindings and sizes the host output buffers.
func (b *EngineBackend) bind() error {
	b.spec = models.ModelIOSpec{
		InputShapes:  make(map[string]models.Shape),
		OutputShapes: make(map[string]models.Shape),
	}

	for i := 0; i < b.interpreter.GetInputTensorCount(); i++ {
		t := b.interpreter.GetInputTensor(i)
		name, shape, err := engineBinding(t, "input", i)
		if err != nil {
			return err
		}
		b.spec.InputNames = append(b.spec.InputNames, name)
		b.spec.InputShapes[name] = shape
	}

	for i := 0; i < b.interpreter.GetOutputTensorCount(); i++ {
		t := b.interpreter.GetOutputTensor(i)
		name, shape, err := engineBinding(t, "output", i)
		if err != nil {
			return err
		}
		b.spec.OutputNames = append(b.spec.OutputNames, name)
		b.spec.OutputShapes[name] = shape
		b.outputs = append(b.outputs, make([]float32, shape.Elements()))
	}

	if len(b.spec.InputNames) == 0 || len(b.spec.OutputNames) == 0 {
		return models.NewError(models.ErrUnsupportedModel, nil, "engine has %d inputs and %d outputs", len(b.spec.InputNames), len(b.spec.OutputNames))
	}
	return nil
}

func engineBinding(t *tflite.Tensor, kind string, i int) (string, models.Shape, error) {
	if t == nil {
		return "", nil, models.NewError(models.ErrUnsupportedModel, nil, "%s %d is missing", kind, i)
	}
	name := t.Name()
	if name == "" {
		name = fmt.Sprintf("%s%d", kind, i)
	}
	if t.Type() != tflite.Float32 {
		return "", nil, models.NewError(models.ErrUnsupportedModel, nil, "%s %q has type %v, want float32", kind, name, t.Type())
	}

	shape := make(models.Shape, t.NumDims())
	for d := range shape {
		shape[d] = int64(t.Dim(d))
	}
	if !shape.IsStatic() {
		return "", nil, models.NewError(models.ErrUnsupportedModel, nil, "%s %q has no static shape", kind, name)
	}
	return name, shape, nil
}

func (b *EngineBackend) IOSpec() models.ModelIOSpec {
	return cloneSpec(b.spec)
}

// Infer copies inputs into the engine, invokes it and copies the outputs
// back into the host buffers allocated at load time. The returned tensors
// are copies the caller owns.
func (b *EngineBackend) Infer(inputs []models.TensorBuffer) ([]models.TensorBuffer, error) {
	if b.interpreter == nil {
		return nil, models.NewError(models.ErrNotReady, nil, "engine is closed")
	}
	if err := checkInputs(b.spec, inputs); err != nil {
		return nil, err
	}

	for i, in := range inputs {
		if status := b.interpreter.GetInputTensor(i).CopyFromBuffer(in.Data); status != tflite.OK {
			return nil, models.NewError(models.ErrInference, nil, "copy input %q: status %v", b.spec.InputNames[i], status)
		}
	}

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return nil, models.NewError(models.ErrInference, nil, "invoke engine: status %v", status)
	}

	result := make([]models.TensorBuffer, len(b.outputs))
	for i, host := range b.outputs {
		if status := b.interpreter.GetOutputTensor(i).CopyToBuffer(host); status != tflite.OK {
			return nil, models.NewError(models.ErrInference, nil, "copy output %q: status %v", b.spec.OutputNames[i], status)
		}
		name := b.spec.OutputNames[i]
		result[i] = models.TensorBuffer{
			Data:  append([]float32(nil), host...),
			Shape: models.NewShape(b.spec.OutputShapes[name]...),
		}
	}
	return result, nil
}

// Close releases the interpreter, options, model and the mapped file in
// reverse order of acquisition. It is safe to call more than once.
func (b *EngineBackend) Close() error {
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	if b.options != nil {
		b.options.Delete()
		b.options = nil
	}
	if b.model != nil {
		b.model.Delete()
		b.model = nil
	}
	b.outputs = nil

	var err error
	b.data = nil
	if b.release != nil {
		err = b.release()
		b.release = nil
	}
	return err
}
