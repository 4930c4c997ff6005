// Command detect runs object detection on an image or a video source and
// draws the results.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/Tutortoise/object-detection-service/backend"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

const (
	flagType          = "type"
	flagSource        = "source"
	flagLabels        = "labels"
	flagConfig        = "config"
	flagWeights       = "weights"
	flagUseGPU        = "use_gpu"
	flagMinConfidence = "min_confidence"
	flagNMS           = "nms"
	flagWidth         = "width"
	flagHeight        = "height"
	flagNormalized    = "normalized_boxes"
	flagOutput        = "output"
	flagShow          = "show"
	flagOnnxRuntime   = "onnxruntime_lib"
	flagDebug         = "debug"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

func main() {
	app := newApp(run)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(action func(*cli.Context, *zap.SugaredLogger) error) *cli.App {
	var logger *zap.SugaredLogger

	return &cli.App{
		Name:  "detect",
		Usage: "detect objects from a video or image source",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagType,
				Value: string(detections.FamilyYoloV9),
				Usage: "model family: " + strings.Join(detections.FamilyNames(), ", "),
			},
			&cli.StringFlag{
				Name:     flagSource,
				Aliases:  []string{"s"},
				Required: true,
				Usage:    "path to an image, a video file, a stream URL or a camera index",
			},
			&cli.StringFlag{
				Name:     flagLabels,
				Aliases:  []string{"lb"},
				Required: true,
				Usage:    "path to class labels, one per line",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "optional model topology file (OpenCV DNN)",
			},
			&cli.StringFlag{
				Name:     flagWeights,
				Aliases:  []string{"w"},
				Required: true,
				Usage:    "path to the model weights",
			},
			&cli.BoolFlag{
				Name:  flagUseGPU,
				Usage: "run inference on the GPU when the runtime supports it",
			},
			&cli.Float64Flag{
				Name:  flagMinConfidence,
				Value: detections.DefaultConfThreshold,
				Usage: "minimum detection confidence",
			},
			&cli.Float64Flag{
				Name:  flagNMS,
				Value: detections.DefaultNMSThreshold,
				Usage: "IoU threshold for non-maximum suppression",
			},
			&cli.IntFlag{
				Name:  flagWidth,
				Usage: "network input width (defaults to the family's)",
			},
			&cli.IntFlag{
				Name:  flagHeight,
				Usage: "network input height (defaults to the family's)",
			},
			&cli.BoolFlag{
				Name:  flagNormalized,
				Usage: "the model emits [0,1] box coordinates instead of network pixels",
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Usage:   "write the annotated image or video to `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagShow,
				Usage: "display video frames in a window (q or ESC quits)",
			},
			&cli.StringFlag{
				Name:    flagOnnxRuntime,
				EnvVars: []string{"ONNXRUNTIME_LIB"},
				Usage:   "path to the onnxruntime shared library",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			var (
				l   *zap.Logger
				err error
			)
			if c.Bool(flagDebug) {
				l, err = zap.NewDevelopment()
			} else {
				l, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}
			logger = l.Sugar()
			return nil
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				logger.Sync()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return action(c, logger)
		},
	}
}

func detectorConfig(c *cli.Context) (detections.DetectorConfig, error) {
	family, err := detections.ParseModelFamily(c.String(flagType))
	if err != nil {
		return detections.DetectorConfig{}, err
	}
	cfg := detections.DefaultConfig(family)
	cfg.ConfidenceThreshold = float32(c.Float64(flagMinConfidence))
	cfg.NMSThreshold = float32(c.Float64(flagNMS))
	cfg.NormalizedBoxes = c.Bool(flagNormalized)
	if c.IsSet(flagWidth) {
		cfg.NetworkWidth = c.Int(flagWidth)
	}
	if c.IsSet(flagHeight) {
		cfg.NetworkHeight = c.Int(flagHeight)
	}

	names, err := detections.LoadClassNames(c.String(flagLabels))
	if err != nil {
		return detections.DetectorConfig{}, err
	}
	cfg.ClassNames = names
	return cfg, cfg.Validate()
}

func run(c *cli.Context, logger *zap.SugaredLogger) error {
	cfg, err := detectorConfig(c)
	if err != nil {
		return err
	}

	weights := c.String(flagWeights)
	if backend.KindForModel(weights) == backend.KindGraph {
		if err := backend.InitializeGraphRuntime(c.String(flagOnnxRuntime)); err != nil {
			return err
		}
		defer backend.DestroyGraphRuntime()
	}

	detector, err := detections.Open(cfg, detections.ModelFiles{
		Model:  weights,
		Config: c.String(flagConfig),
		UseGPU: c.Bool(flagUseGPU),
	}, logger)
	if err != nil {
		return err
	}
	defer detector.Close()

	source := c.String(flagSource)
	logger.Infow("detector ready", "type", cfg.Family, "weights", weights, "source", source)

	if imageExtensions[strings.ToLower(filepath.Ext(source))] {
		output := c.String(flagOutput)
		if output == "" {
			output = "processed.png"
		}
		return runImage(detector, source, output, logger)
	}
	return runVideo(detector, newVideoSource(), source, c.String(flagOutput), c.Bool(flagShow), logger)
}

func runImage(detector *detections.Detector, source, output string, logger *zap.SugaredLogger) error {
	mat := gocv.IMRead(source, gocv.IMReadColor)
	if mat.Empty() {
		return fmt.Errorf("could not read image %s", source)
	}
	defer mat.Close()

	found, elapsed, err := detectMat(detector, mat)
	if err != nil {
		return err
	}
	logger.Infow("inference done", "detections", len(found), "duration", elapsed)

	if err := drawDetections(&mat, found, detector.Config().ClassNames); err != nil {
		return err
	}
	if !gocv.IMWrite(output, mat) {
		return fmt.Errorf("could not write %s", output)
	}
	logger.Infow("annotated image written", "path", output)
	return nil
}

func runVideo(detector *detections.Detector, video VideoSource, source, output string, show bool, logger *zap.SugaredLogger) (err error) {
	if err := video.Initialize(source); err != nil {
		return err
	}
	defer func() {
		if releaseErr := video.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	var window *gocv.Window
	if show {
		window = gocv.NewWindow("detections")
		defer window.Close()
	}

	var writer *gocv.VideoWriter
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	frame := gocv.NewMat()
	defer frame.Close()

	frames := 0
	for video.ReadFrame(&frame) {
		frames++
		found, elapsed, err := detectMat(detector, frame)
		if err != nil {
			logger.Warnw("skipping frame", "frame", frames, "error", err)
			continue
		}

		var fps float64
		if elapsed > 0 {
			fps = 1 / elapsed.Seconds()
		}
		if err := drawDetections(&frame, found, detector.Config().ClassNames); err != nil {
			logger.Warnw("drawing detections", "frame", frames, "error", err)
		}
		if err := drawFPS(&frame, fps); err != nil {
			logger.Warnw("drawing fps", "frame", frames, "error", err)
		}
		logger.Debugw("frame processed", "frame", frames, "detections", len(found), "fps", fps)

		if output != "" {
			if writer == nil {
				writer, err = gocv.VideoWriterFile(output, "MJPG", 25, frame.Cols(), frame.Rows(), true)
				if err != nil {
					return fmt.Errorf("open video writer %s: %w", output, err)
				}
			}
			if err := writer.Write(frame); err != nil {
				return fmt.Errorf("write frame %d: %w", frames, err)
			}
		}

		if window != nil {
			window.IMShow(frame)
			if key := window.WaitKey(1); key == 27 || key == 'q' {
				logger.Infow("exit requested")
				break
			}
		}
	}

	logger.Infow("video finished", "frames", frames)
	return nil
}

// detectMat runs the detector on a BGR frame.
func detectMat(detector *detections.Detector, mat gocv.Mat) ([]models.Detection, time.Duration, error) {
	start := time.Now()
	img, err := mat.ToImage()
	if err != nil {
		return nil, 0, models.NewError(models.ErrInvalidInput, err, "convert frame")
	}
	found, err := detector.Detect(img)
	if err != nil {
		return nil, 0, err
	}
	return found, time.Since(start), nil
}
