// Package stream owns the video stream side channel. It listens on its own
// port, tracks the selected camera and fans length-prefixed frames out to
// every connected client.
package stream
