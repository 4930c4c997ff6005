package detections

const (
	DefaultConfThreshold = 0.25
	DefaultNMSThreshold  = 0.45

	// QueryScoreFloor is the fixed acceptance floor applied by query-slot
	// heads on top of the configured confidence threshold.
	QueryScoreFloor = 0.45
	// DefaultQuerySlots is the slot count of RT-DETR style heads.
	DefaultQuerySlots = 300

	detectionOutputRecordSize = 7
	regionBoxFields           = 5
	anchorFreeBoxFields       = 4

	imInfoInput = "im_info"
)
