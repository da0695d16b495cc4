// Package sensor debounces the robot's tactile sensors and derives
// double-click gestures from successive presses.
package sensor
