package cgroup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Pseudo-files touched by the client.
const (
	fileProcs          = "cgroup.procs"
	fileSubtreeControl = "cgroup.subtree_control"
	fileMemoryMax      = "memory.max"
	fileMemoryPressure = "memory.pressure"
)

// Client is the narrow control-plane surface over one contention domain.
// Callers never build pseudo-file paths themselves.
type Client interface {
	// Path returns the domain directory.
	Path() string

	// Create makes the domain directory. An existing domain is not an error.
	Create() error

	// EnableMemory turns on the memory controller for the domain's parent
	// so pressure is accounted for its children.
	EnableMemory() error

	// SetMemoryMax writes the domain's memory ceiling, e.g. "1G" or "max".
	SetMemoryMax(limit string) error

	// Assign moves pid into the domain.
	Assign(pid int) error

	// ReadPressure returns the raw text of the domain's memory.pressure file.
	ReadPressure() (string, error)

	// Members lists the pids currently in the domain.
	Members() ([]int, error)

	// Destroy removes the domain directory. An absent domain is not an error.
	// The domain must have no live members.
	Destroy() error
}

// FSClient implements Client against a mounted cgroup v2 hierarchy.
type FSClient struct {
	root   string
	path   string
	logger *slog.Logger
}

// Compile-time check that FSClient implements Client.
var _ Client = (*FSClient)(nil)

// NewFSClient returns a client for the domain name under root. It performs no I/O.
func NewFSClient(root, name string, logger *slog.Logger) *FSClient {
	return &FSClient{
		root:   root,
		path:   filepath.Join(root, name),
		logger: logger,
	}
}

// Path returns the domain directory.
func (c *FSClient) Path() string {
	return c.path
}

// Create makes the domain directory with mode 0755.
func (c *FSClient) Create() error {
	err := os.Mkdir(c.path, 0o755)
	if errors.Is(err, fs.ErrExist) {
		c.logger.Debug("domain already exists", "domain", c.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create domain %s: %w", c.path, err)
	}
	c.logger.Info("domain created", "domain", c.path)
	return nil
}

// EnableMemory appends "+memory" to the parent's cgroup.subtree_control.
func (c *FSClient) EnableMemory() error {
	path := filepath.Join(filepath.Dir(c.path), fileSubtreeControl)
	if err := appendLine(path, fileSubtreeControl, "+memory\n"); err != nil {
		return fmt.Errorf("enable memory controller: %w", err)
	}
	c.logger.Debug("memory controller enabled", "parent", filepath.Dir(c.path))
	return nil
}

// SetMemoryMax validates limit and writes it to memory.max.
func (c *FSClient) SetMemoryMax(limit string) error {
	n, err := ParseSize(limit)
	if err != nil {
		return fmt.Errorf("set memory max: %w", err)
	}

	path := filepath.Join(c.path, fileMemoryMax)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		writesTotal.WithLabelValues(fileMemoryMax, resultError).Inc()
		return fmt.Errorf("set memory max: %w", err)
	}
	_, werr := f.WriteString(limit + "\n")
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		writesTotal.WithLabelValues(fileMemoryMax, resultError).Inc()
		return fmt.Errorf("set memory max: write %s: %w", path, err)
	}
	writesTotal.WithLabelValues(fileMemoryMax, resultOK).Inc()
	memoryMaxBytes.Set(float64(n))

	human := "max"
	if n != Unlimited {
		human = humanize.IBytes(uint64(n))
	}
	c.logger.Info("memory ceiling set", "domain", c.path, "limit", limit, "bytes", human)
	return nil
}

// Assign appends pid to cgroup.procs in a single write, so concurrent
// assigners interleave by whole lines.
func (c *FSClient) Assign(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("assign: invalid pid %d", pid)
	}
	path := filepath.Join(c.path, fileProcs)
	if err := appendLine(path, fileProcs, strconv.Itoa(pid)+"\n"); err != nil {
		return fmt.Errorf("assign pid %d: %w", pid, err)
	}
	c.logger.Debug("pid assigned", "domain", c.path, "pid", pid)
	return nil
}

// ReadPressure returns memory.pressure verbatim.
func (c *FSClient) ReadPressure() (string, error) {
	data, err := os.ReadFile(filepath.Join(c.path, fileMemoryPressure))
	if err != nil {
		return "", fmt.Errorf("read pressure: %w", err)
	}
	return string(data), nil
}

// Members parses cgroup.procs.
func (c *FSClient) Members() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(c.path, fileProcs))
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	return parseProcs(data)
}

// Destroy removes the domain with rmdir(2). ENOENT counts as success.
func (c *FSClient) Destroy() error {
	err := unix.Rmdir(c.path)
	if errors.Is(err, unix.ENOENT) {
		c.logger.Debug("domain already absent", "domain", c.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove domain %s: %w", c.path, err)
	}
	c.logger.Info("domain removed", "domain", c.path)
	return nil
}

// appendLine writes line to an existing pseudo-file opened for append.
// The file is never created: a missing file means the controller or the
// domain is not there.
func appendLine(path, label, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		writesTotal.WithLabelValues(label, resultError).Inc()
		return err
	}
	_, werr := f.WriteString(line)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		writesTotal.WithLabelValues(label, resultError).Inc()
		return fmt.Errorf("write %s: %w", path, err)
	}
	writesTotal.WithLabelValues(label, resultOK).Inc()
	return nil
}

func parseProcs(data []byte) ([]int, error) {
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		pid, err := strconv.Atoi(string(line))
		if err != nil {
			return nil, fmt.Errorf("parse %s line %q: %w", fileProcs, line, err)
		}
		pids = append(pids, pid)
	}
	return pids, sc.Err()
}
