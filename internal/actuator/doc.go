// Package actuator defines the robot collaborators the remote server drives:
// the drive session, the voice and the autonomous driver. It also provides a
// NATS request/reply bridge implementing them against the on-robot modules
// and delivering tactile sensor events back to the server.
package actuator
