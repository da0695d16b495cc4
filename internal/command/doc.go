// Package command implements the NaoCar control routes: driving primitives,
// head and voice control, camera selection, the autonomy toggle and the
// tactile double-click policy.
package command
