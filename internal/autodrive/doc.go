// Package autodrive implements the two-state autonomy toggle. It lazily
// builds the on-robot autonomous driver, starts it in safe or full mode and
// guarantees the pedal is released and the steering centered on stop.
package autodrive
