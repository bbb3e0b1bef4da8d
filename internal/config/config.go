// Package config defines and validates the master and worker node
// configuration options, grounded on dbspgraph.MasterConfig/WorkerConfig's
// plain-struct-plus-Validate shape, generalized from a bspgraph-specific
// job runner/serializer pair to this runtime's control transport, executor
// capacity and partition manager options.
package config

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// MasterConfig encapsulates the options a master node needs to start its
// partition manager and control transport listener.
type MasterConfig struct {
	// ListenAddress is where the master accepts incoming gRPC connections
	// from workers (C1).
	ListenAddress string

	// BlockLocationTimeout is checked by Validate (it must not be negative)
	// and is not read anywhere else: a pending RequestBlockLocation on the
	// master waits until the partition's location future resolves or the
	// requesting connection closes, whatever this value is.
	BlockLocationTimeout time.Duration

	// Logger is used for structured master-side logging. A null logger is
	// substituted if unset.
	Logger *logrus.Entry
}

// Validate reports every configuration defect at once via a multierror,
// rather than failing fast on the first one.
func (cfg *MasterConfig) Validate() error {
	var err error
	if cfg.ListenAddress == "" {
		err = multierror.Append(err, xerrors.Errorf("listen address not specified"))
	}
	if cfg.BlockLocationTimeout < 0 {
		err = multierror.Append(err, xerrors.Errorf("block location timeout must not be negative"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// WorkerConfig encapsulates the options a worker node needs to connect to
// the master and bound its local task-group concurrency.
type WorkerConfig struct {
	// ExecutorID uniquely identifies this worker process to the master.
	ExecutorID string

	// MasterAddress is the master's control transport listen address.
	MasterAddress string

	// DataListenAddress is where this worker serves cross-stage block
	// transfer requests (C7) from peer workers.
	DataListenAddress string

	// ExecutorCapacity bounds how many task groups this worker runs
	// concurrently (§5); defaults to 1 if unset.
	ExecutorCapacity int

	// Logger is used for structured worker-side logging. A null logger is
	// substituted if unset.
	Logger *logrus.Entry
}

// Validate reports every configuration defect at once via a multierror.
func (cfg *WorkerConfig) Validate() error {
	var err error
	if cfg.ExecutorID == "" {
		err = multierror.Append(err, xerrors.Errorf("executor id not specified"))
	}
	if cfg.MasterAddress == "" {
		err = multierror.Append(err, xerrors.Errorf("master address not specified"))
	}
	if cfg.DataListenAddress == "" {
		err = multierror.Append(err, xerrors.Errorf("data listen address not specified"))
	}
	if cfg.ExecutorCapacity < 0 {
		err = multierror.Append(err, xerrors.Errorf("executor capacity must not be negative"))
	}
	if cfg.ExecutorCapacity == 0 {
		cfg.ExecutorCapacity = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}
