// Package vision turns raw detector output into per-frame vehicle poses.
//
// A frame flows through three steps: detector records are mapped from crop
// pixels into the world frame (Transform), points that fall off the
// playfield are discarded, and the surviving front and rear markers are
// matched into VehiclePose values (Pair). Identity comes from the rear
// marker; front markers are anonymous.
package vision
