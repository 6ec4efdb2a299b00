package vision

import "image"

// Occupancy binarization parameters.
const (
	occupancyBlurSize   = 3
	occupancyBlurSigma  = 1
	adaptiveBlockSize   = 25
	adaptiveOffset      = 16
	occupancyMedianSize = 5
)

// Motion mask parameters.
const (
	motionBlurSize  = 5
	motionThreshold = 20
)

// BinarizeForOccupancy turns a camera frame into the binary image used for
// per-space pixel counting: gray, Gaussian blur, inverted adaptive threshold,
// median blur and a 3x3 dilation.
func BinarizeForOccupancy(frame image.Image) *image.Gray {
	gray := ToGray(frame)
	blurred := GaussianBlur(gray, occupancyBlurSize, occupancyBlurSigma)
	binary := AdaptiveThresholdInv(blurred, adaptiveBlockSize, adaptiveOffset)
	smoothed := MedianBlur(binary, occupancyMedianSize)
	return Dilate(smoothed, RectKernel(3, 3))
}

// MotionMask returns the binary mask of regions that changed between two
// frames: absolute difference, blur, threshold, dilation and a small closing.
func MotionMask(frame, previous image.Image) *image.Gray {
	diff := AbsDiff(frame, previous)
	blurred := GaussianBlur(diff, motionBlurSize, 0)
	binary := Threshold(blurred, motionThreshold, 255)
	dilated := Dilate(binary, RectKernel(3, 3))
	return Close(dilated, EllipseKernel(2, 2))
}
