// Package engine runs one encoding run end to end: it records the run,
// prepares the contention domain, starts the baseline load, pushes the
// requested secret offset through the gadget and holds while the signal
// load runs. Teardown belongs to the lifecycle controller.
package engine
