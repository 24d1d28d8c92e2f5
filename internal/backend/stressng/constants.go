package stressng

// GeneratorName is the name used when registering with the generator registry.
const GeneratorName = "stress-ng"

// DefaultBin is looked up on PATH when no explicit binary is configured.
const DefaultBin = "stress-ng"

// Worker settings passed on every invocation.
const (
	// vmWorkers is the number of --vm workers; one worker keeps the
	// allocation attributable to a single process.
	vmWorkers = "1"
)
