package detections

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/backend"
	"github.com/Tutortoise/object-detection-service/models"
)

// ModelFiles locates a model on disk. Config is only read by OpenCV DNN
// (prototxt, pbtxt or cfg files).
type ModelFiles struct {
	Model   string
	Config  string
	UseGPU  bool
	Threads int
}

// Open loads the model with the runtime its extension calls for and wraps
// it in a Detector that owns the backend. A four-dimensional input whose
// last dimension equals the channel count switches the layout to NHWC.
func Open(cfg DetectorConfig, files ModelFiles, logger *zap.SugaredLogger) (_ *Detector, err error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := backend.Open(files.Model, files.Config, backend.Options{
		UseGPU:  files.UseGPU,
		Threads: files.Threads,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Close())
		}
	}()

	cfg.Layout = inferLayout(cfg, b.IOSpec())

	d, err := NewDetector(cfg, b, logger)
	if err != nil {
		return nil, err
	}
	d.owned = b

	logger.Infow("model opened", "model", files.Model, "backend", backend.KindForModel(files.Model), "layout", cfg.Layout)
	return d, nil
}

func inferLayout(cfg DetectorConfig, io models.ModelIOSpec) models.Layout {
	shape, ok := io.InputShape(0)
	if !ok || len(shape) != 4 {
		return cfg.Layout
	}
	channels := int64(cfg.ChannelCount)
	if shape[3] == channels && shape[1] != channels {
		return models.LayoutNHWC
	}
	if shape[1] == channels {
		return models.LayoutNCHW
	}
	return cfg.Layout
}
