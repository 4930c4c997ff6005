package backend

import (
	"runtime"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	frameworkInputName = "input"
	imInfoName         = "im_info"
)

// FrameworkBackend runs Caffe, TensorFlow, Darknet and similar models
// through OpenCV DNN. Output shapes are only known after a forward pass, so
// IOSpec reports output names and the final layer type but no shapes.
type FrameworkBackend struct {
	net          *gocv.Net
	outputLayers []string
	spec         models.ModelIOSpec
	logger       *zap.SugaredLogger
}

func NewFrameworkBackend(modelPath, configPath string, opts Options) (*FrameworkBackend, error) {
	logger := opts.logger()
	if _, err := checkModelFile(modelPath); err != nil {
		return nil, err
	}
	if configPath != "" {
		if _, err := checkModelFile(configPath); err != nil {
			return nil, err
		}
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		net.Close()
		return nil, models.NewError(models.ErrModelLoad, nil, "opencv could not read %s", modelPath)
	}

	if opts.UseGPU {
		errBackend := net.SetPreferableBackend(gocv.NetBackendCUDA)
		errTarget := net.SetPreferableTarget(gocv.NetTargetCUDA)
		if err := multierr.Combine(errBackend, errTarget); err != nil {
			logger.Warnw("CUDA target unavailable, running on CPU", "error", err)
			net.SetPreferableBackend(gocv.NetBackendDefault)
			net.SetPreferableTarget(gocv.NetTargetCPU)
		} else {
			logger.Infow("using CUDA DNN target")
		}
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	b := &FrameworkBackend{net: &net, logger: logger}
	if err := b.inspect(); err != nil {
		net.Close()
		return nil, err
	}

	logger.Infow("opencv model loaded",
		"path", modelPath,
		"config", configPath,
		"outputs", b.outputLayers,
		"output_layer_type", b.spec.OutputLayerType,
		"auxiliary_inputs", b.spec.AuxiliaryInputs,
	)
	return b, nil
}

// inspect collects the unconnected output layers, the type of the last one
// and whether the network takes an image-info input.
func (b *FrameworkBackend) inspect() error {
	names := b.net.GetLayerNames()
	ids := b.net.GetUnconnectedOutLayers()
	for _, id := range ids {
		if id < 1 || id > len(names) {
			continue
		}
		b.outputLayers = append(b.outputLayers, names[id-1])
	}
	if len(b.outputLayers) == 0 {
		return models.NewError(models.ErrUnsupportedModel, nil, "network has no output layers")
	}

	b.spec = models.ModelIOSpec{
		InputNames:   []string{frameworkInputName},
		OutputNames:  append([]string(nil), b.outputLayers...),
		InputShapes:  map[string]models.Shape{},
		OutputShapes: map[string]models.Shape{},
	}

	last := b.net.GetLayer(ids[len(ids)-1])
	b.spec.OutputLayerType = last.GetType()
	last.Close()

	inputLayer := b.net.GetLayer(0)
	if inputLayer.OutputNameToIndex(imInfoName) >= 0 {
		b.spec.AuxiliaryInputs = append(b.spec.AuxiliaryInputs, imInfoName)
	}
	inputLayer.Close()
	return nil
}

func (b *FrameworkBackend) IOSpec() models.ModelIOSpec {
	return cloneSpec(b.spec)
}

// Infer takes a single NCHW blob, runs a forward pass to every output layer
// and returns the outputs with the shapes OpenCV reports.
func (b *FrameworkBackend) Infer(inputs []models.TensorBuffer) (result []models.TensorBuffer, err error) {
	if b.net == nil {
		return nil, models.NewError(models.ErrNotReady, nil, "network is closed")
	}
	if err := checkInputs(b.spec, inputs); err != nil {
		return nil, err
	}
	in := inputs[0]
	if len(in.Shape) != 4 || in.Layout != models.LayoutNCHW {
		return nil, models.NewError(models.ErrInference, nil, "opencv input must be a 4-D NCHW blob, got %v %v", in.Shape, in.Layout)
	}

	sizes := make([]int, len(in.Shape))
	for i, d := range in.Shape {
		sizes[i] = int(d)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&in.Data[0])), len(in.Data)*4)
	blob, err := gocv.NewMatWithSizesFromBytes(sizes, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, models.NewError(models.ErrInference, err, "create input blob")
	}
	defer blob.Close()
	defer runtime.KeepAlive(in.Data)

	b.net.SetInput(blob, "")

	if len(b.spec.AuxiliaryInputs) > 0 {
		info := gocv.NewMatWithSize(1, 3, gocv.MatTypeCV32F)
		defer info.Close()
		info.SetFloatAt(0, 0, float32(in.Shape[2]))
		info.SetFloatAt(0, 1, float32(in.Shape[3]))
		info.SetFloatAt(0, 2, 1)
		b.net.SetInput(info, imInfoName)
	}

	outputs := b.net.ForwardLayers(b.outputLayers)
	defer func() {
		for i := range outputs {
			err = multierr.Append(err, outputs[i].Close())
		}
	}()
	if len(outputs) != len(b.outputLayers) {
		return nil, models.NewError(models.ErrInference, nil, "forward returned %d outputs, want %d", len(outputs), len(b.outputLayers))
	}

	result = make([]models.TensorBuffer, len(outputs))
	for i, out := range outputs {
		size := out.Size()
		if len(size) == 0 || out.Empty() {
			return nil, models.NewError(models.ErrUnsupportedModel, nil, "output %q reports no shape", b.outputLayers[i])
		}
		data, err := out.DataPtrFloat32()
		if err != nil {
			return nil, models.NewError(models.ErrInference, err, "read output %q", b.outputLayers[i])
		}
		shape := make(models.Shape, len(size))
		for d, n := range size {
			shape[d] = int64(n)
		}
		result[i] = models.TensorBuffer{
			Data:  append([]float32(nil), data...),
			Shape: shape,
		}
	}
	return result, nil
}

func (b *FrameworkBackend) Close() error {
	if b.net == nil {
		return nil
	}
	err := b.net.Close()
	b.net = nil
	return err
}
