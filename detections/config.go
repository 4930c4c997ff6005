package detections

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Tutortoise/object-detection-service/models"
)

// ModelFamily selects the decoding strategy of a Detector.
type ModelFamily string

const (
	FamilySSD        ModelFamily = "ssd"
	FamilyFasterRCNN ModelFamily = "faster-rcnn"
	FamilyYoloV4     ModelFamily = "yolov4"
	FamilyYoloV5     ModelFamily = "yolov5"
	FamilyYoloV7     ModelFamily = "yolov7"
	FamilyYoloV8     ModelFamily = "yolov8"
	FamilyYoloV9     ModelFamily = "yolov9"
	FamilyYolo11     ModelFamily = "yolo11"
	FamilyRTDETR     ModelFamily = "rtdetr"
)

var knownFamilies = map[ModelFamily]struct{}{
	FamilySSD: {}, FamilyFasterRCNN: {}, FamilyYoloV4: {}, FamilyYoloV5: {}, FamilyYoloV7: {},
	FamilyYoloV8: {}, FamilyYoloV9: {}, FamilyYolo11: {}, FamilyRTDETR: {},
}

// ParseModelFamily accepts the family names case-insensitively.
func ParseModelFamily(s string) (ModelFamily, error) {
	f := ModelFamily(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownFamilies[f]; !ok {
		return "", models.NewError(models.ErrConfig, nil, "unknown model family %q (known: %s)", s, strings.Join(FamilyNames(), ", "))
	}
	return f, nil
}

// FamilyNames lists the supported families in sorted order.
func FamilyNames() []string {
	names := make([]string, 0, len(knownFamilies))
	for f := range knownFamilies {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}

// ChannelOrder is the colour order the network was trained on.
type ChannelOrder int

const (
	ChannelOrderRGB ChannelOrder = iota
	ChannelOrderBGR
)

// DetectorConfig is fixed at Detector construction.
type DetectorConfig struct {
	Family              ModelFamily
	ConfidenceThreshold float32
	NMSThreshold        float32
	NetworkWidth        int
	NetworkHeight       int
	ChannelCount        int
	ClassNames          []string

	// Preprocessing: value = (pixel - Mean[c]) * Scale.
	Scale        float32
	Mean         [3]float32
	ChannelOrder ChannelOrder
	Layout       models.Layout

	// ClassAwareNMS suppresses only boxes that share a class.
	ClassAwareNMS bool
	// NormalizedBoxes marks yolov5 through yolo11 heads that emit [0,1]
	// centre/size coordinates instead of network-input pixels.
	NormalizedBoxes bool
	// QuerySlots overrides the slot count of query heads. Zero means
	// DefaultQuerySlots or the backend's bound output shape.
	QuerySlots int
}

// DefaultConfig returns the usual input contract for a family.
func DefaultConfig(family ModelFamily) DetectorConfig {
	cfg := DetectorConfig{
		Family:              family,
		ConfidenceThreshold: DefaultConfThreshold,
		NMSThreshold:        DefaultNMSThreshold,
		NetworkWidth:        640,
		NetworkHeight:       640,
		ChannelCount:        3,
		Scale:               1.0 / 255.0,
		ChannelOrder:        ChannelOrderRGB,
		Layout:              models.LayoutNCHW,
	}

	switch family {
	case FamilySSD:
		cfg.NetworkWidth, cfg.NetworkHeight = 300, 300
		cfg.Scale = 1.0 / 127.5
		cfg.Mean = [3]float32{127.5, 127.5, 127.5}
		cfg.ConfidenceThreshold = 0.5
	case FamilyFasterRCNN:
		cfg.NetworkWidth, cfg.NetworkHeight = 800, 600
		cfg.Scale = 1.0
		cfg.Mean = [3]float32{102.9801, 115.9465, 122.7717}
		cfg.ChannelOrder = ChannelOrderBGR
		cfg.ConfidenceThreshold = 0.5
	case FamilyYoloV4:
		cfg.NetworkWidth, cfg.NetworkHeight = 416, 416
	}
	return cfg
}

// Validate reports the first invalid field as an ErrConfig.
func (c DetectorConfig) Validate() error {
	if _, ok := knownFamilies[c.Family]; !ok {
		return models.NewError(models.ErrConfig, nil, "unknown model family %q", c.Family)
	}
	if !inUnitRange(c.ConfidenceThreshold) {
		return models.NewError(models.ErrConfig, nil, "confidence threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if !inUnitRange(c.NMSThreshold) {
		return models.NewError(models.ErrConfig, nil, "nms threshold %v outside [0,1]", c.NMSThreshold)
	}
	if c.NetworkWidth <= 0 || c.NetworkHeight <= 0 {
		return models.NewError(models.ErrConfig, nil, "network size %dx%d must be positive", c.NetworkWidth, c.NetworkHeight)
	}
	if c.ChannelCount != 1 && c.ChannelCount != 3 {
		return models.NewError(models.ErrConfig, nil, "channel count %d not supported, want 1 or 3", c.ChannelCount)
	}
	if !(c.Scale > 0) || math.IsInf(float64(c.Scale), 0) {
		return models.NewError(models.ErrConfig, nil, "scale %v must be a positive finite number", c.Scale)
	}
	if c.Layout != models.LayoutNCHW && c.Layout != models.LayoutNHWC {
		return models.NewError(models.ErrConfig, nil, "unknown tensor layout %v", c.Layout)
	}
	if c.QuerySlots < 0 {
		return models.NewError(models.ErrConfig, nil, "query slots %d must not be negative", c.QuerySlots)
	}
	return nil
}

func inUnitRange(v float32) bool {
	return v >= 0 && v <= 1
}

func (c DetectorConfig) String() string {
	return fmt.Sprintf("%s %dx%dx%d conf=%.2f nms=%.2f", c.Family, c.NetworkWidth, c.NetworkHeight, c.ChannelCount, c.ConfidenceThreshold, c.NMSThreshold)
}
