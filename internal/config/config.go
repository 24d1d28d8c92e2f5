package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/contend/internal/cgroup"
)

const (
	defaultCgroupRoot     = "/sys/fs/cgroup"
	defaultDomain         = "memory_stress"
	defaultMemoryMax      = "1G"
	defaultGenerator      = "auto"
	defaultBaselineMiB    = 200
	defaultLowMiB         = 1
	defaultHighMiB        = 1024
	defaultSignalTimeoutS = 10
	defaultPrimeDelay     = time.Second
	defaultTrainingRounds = 6
	defaultTrainIndex     = 10
	defaultSpin           = 100
	defaultSecret         = "0100111110010110"
	defaultDBPath         = "contend.db"
	defaultStressNGBin    = "stress-ng"
	defaultHogBin         = "contend-hog"

	// GadgetSpeculative lets the trained branch predictor steer the
	// victim body; GadgetStrict follows only the architectural outcome.
	GadgetSpeculative = "speculative"
	GadgetStrict      = "strict"

	// maxTrainingRounds keeps (j mod N) - 1 inside the low 16 bits that
	// the round mask clears.
	maxTrainingRounds = 0xFFFF

	envLogLevel        = "CONTEND_LOG_LEVEL"
	envCgroupRoot      = "CONTEND_CGROUP_ROOT"
	envDomain          = "CONTEND_DOMAIN"
	envMemoryMax       = "CONTEND_MEMORY_MAX"
	envGenerator       = "CONTEND_GENERATOR"
	envBaselineMiB     = "CONTEND_BASELINE_MIB"
	envLowMiB          = "CONTEND_LOW_MIB"
	envHighMiB         = "CONTEND_HIGH_MIB"
	envSignalTimeoutS  = "CONTEND_SIGNAL_TIMEOUT_S"
	envPrimeDelay      = "CONTEND_PRIME_DELAY"
	envHold            = "CONTEND_HOLD"
	envTrainingRounds  = "CONTEND_TRAINING_ROUNDS"
	envTrainIndex      = "CONTEND_TRAIN_INDEX"
	envSpin            = "CONTEND_SPIN"
	envSecret          = "CONTEND_SECRET"
	envGadgetMode      = "CONTEND_GADGET_MODE"
	envCloneIntoCgroup = "CONTEND_CLONE_INTO_CGROUP"
	envSmokeRead       = "CONTEND_SMOKE_READ"
	envDBPath          = "CONTEND_DB_PATH"
	envListenAddr      = "CONTEND_LISTEN_ADDR"
	envStressNGBin     = "CONTEND_STRESSNG_BIN"
	envHogBin          = "CONTEND_HOG_BIN"
)

// Config holds sender configuration loaded from environment variables.
type Config struct {
	LogLevel slog.Level

	// CgroupRoot is the mount point of the cgroup v2 hierarchy.
	CgroupRoot string
	// Domain is the name of the contention cgroup under CgroupRoot.
	Domain string
	// MemoryMax is written verbatim to memory.max (e.g. "1G").
	MemoryMax string

	// Generator names the memory-stress backend ("auto", "stress-ng", "hog").
	Generator string
	// StressNGBin and HogBin locate the generator executables.
	StressNGBin string
	HogBin      string
	// BaselineMiB is the size of the load started before encoding.
	BaselineMiB int
	// LowMiB and HighMiB are the signal sizes for a non-zero and a zero
	// observed value respectively.
	LowMiB  int
	HighMiB int
	// SignalTimeoutS bounds how long the signal workload holds its
	// allocation; zero means until terminated.
	SignalTimeoutS int

	// PrimeDelay lets the baseline settle before encoding.
	PrimeDelay time.Duration
	// Hold bounds how long the sender waits on the signal workload before
	// tearing down. Zero waits for the workload to exit on its own.
	Hold time.Duration

	TrainingRounds int
	TrainIndex     int
	Spin           int
	// Secret is the bit string placed after the public array, one
	// character per element.
	Secret     string
	GadgetMode string

	// CloneIntoCgroup spawns generators directly inside the domain
	// instead of assigning them after start.
	CloneIntoCgroup bool
	// SmokeRead reads memory.pressure once after setup and logs it.
	SmokeRead bool

	DBPath string
	// ListenAddr enables the status API when non-empty.
	ListenAddr string
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable numeric values keep their default; Validate catches values that
// parse but make no sense.
func Load() Config {
	cfg := Config{
		LogLevel:       slog.LevelInfo,
		CgroupRoot:     defaultCgroupRoot,
		Domain:         defaultDomain,
		MemoryMax:      defaultMemoryMax,
		Generator:      defaultGenerator,
		BaselineMiB:    defaultBaselineMiB,
		LowMiB:         defaultLowMiB,
		HighMiB:        defaultHighMiB,
		SignalTimeoutS: defaultSignalTimeoutS,
		PrimeDelay:     defaultPrimeDelay,
		TrainingRounds: defaultTrainingRounds,
		TrainIndex:     defaultTrainIndex,
		Spin:           defaultSpin,
		Secret:         defaultSecret,
		GadgetMode:     GadgetSpeculative,
		SmokeRead:      true,
		DBPath:         defaultDBPath,
		StressNGBin:    defaultStressNGBin,
		HogBin:         defaultHogBin,
	}

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCgroupRoot); v != "" {
		cfg.CgroupRoot = v
	}
	if v := os.Getenv(envDomain); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv(envMemoryMax); v != "" {
		cfg.MemoryMax = v
	}
	if v := os.Getenv(envGenerator); v != "" {
		cfg.Generator = v
	}
	if v := os.Getenv(envStressNGBin); v != "" {
		cfg.StressNGBin = v
	}
	if v := os.Getenv(envHogBin); v != "" {
		cfg.HogBin = v
	}
	cfg.BaselineMiB = intEnv(envBaselineMiB, cfg.BaselineMiB)
	cfg.LowMiB = intEnv(envLowMiB, cfg.LowMiB)
	cfg.HighMiB = intEnv(envHighMiB, cfg.HighMiB)
	cfg.SignalTimeoutS = intEnv(envSignalTimeoutS, cfg.SignalTimeoutS)
	cfg.PrimeDelay = durationEnv(envPrimeDelay, cfg.PrimeDelay)
	cfg.Hold = durationEnv(envHold, cfg.Hold)
	cfg.TrainingRounds = intEnv(envTrainingRounds, cfg.TrainingRounds)
	cfg.TrainIndex = intEnv(envTrainIndex, cfg.TrainIndex)
	cfg.Spin = intEnv(envSpin, cfg.Spin)
	if v := os.Getenv(envSecret); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv(envGadgetMode); v != "" {
		cfg.GadgetMode = strings.ToLower(v)
	}
	cfg.CloneIntoCgroup = boolEnv(envCloneIntoCgroup, cfg.CloneIntoCgroup)
	cfg.SmokeRead = boolEnv(envSmokeRead, cfg.SmokeRead)
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}

	return cfg
}

// Validate reports every inconsistency in cfg joined into one error. It
// performs no I/O.
func (c Config) Validate() error {
	var errs []error
	if c.Domain == "" || strings.ContainsAny(c.Domain, "/") || c.Domain == "." || c.Domain == ".." {
		errs = append(errs, fmt.Errorf("domain %q must be a single path element", c.Domain))
	}
	if _, err := cgroup.ParseSize(c.MemoryMax); err != nil {
		errs = append(errs, fmt.Errorf("memory max: %w", err))
	}
	if c.BaselineMiB <= 0 || c.LowMiB <= 0 || c.HighMiB <= 0 {
		errs = append(errs, errors.New("workload sizes must be positive"))
	}
	if c.LowMiB == c.HighMiB {
		errs = append(errs, fmt.Errorf("low and high sizes must differ (both %d MiB)", c.LowMiB))
	}
	if c.SignalTimeoutS < 0 {
		errs = append(errs, fmt.Errorf("signal timeout %d must not be negative", c.SignalTimeoutS))
	}
	if c.TrainingRounds < 2 || c.TrainingRounds > maxTrainingRounds {
		errs = append(errs, fmt.Errorf("training rounds %d out of range [2, %d]", c.TrainingRounds, maxTrainingRounds))
	}
	if _, err := c.SecretBits(); err != nil {
		errs = append(errs, err)
	}
	if c.TrainIndex < 0 || c.TrainIndex >= len(c.Secret) {
		errs = append(errs, fmt.Errorf("train index %d must be inside the public array [0, %d)", c.TrainIndex, len(c.Secret)))
	}
	if c.Spin < 0 {
		errs = append(errs, fmt.Errorf("spin %d must not be negative", c.Spin))
	}
	if c.GadgetMode != GadgetSpeculative && c.GadgetMode != GadgetStrict {
		errs = append(errs, fmt.Errorf("gadget mode %q must be %q or %q", c.GadgetMode, GadgetSpeculative, GadgetStrict))
	}
	return errors.Join(errs...)
}

// SecretBits decodes Secret into one byte per element, each 0 or 1.
func (c Config) SecretBits() ([]byte, error) {
	if c.Secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	bits := make([]byte, len(c.Secret))
	for i, r := range c.Secret {
		switch r {
		case '0':
			bits[i] = 0
		case '1':
			bits[i] = 1
		default:
			return nil, fmt.Errorf("secret character %d is %q, want 0 or 1", i, r)
		}
	}
	return bits, nil
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
