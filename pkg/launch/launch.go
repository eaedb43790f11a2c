// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package launch bootstraps the ranks of a distributed run within one process.
//
// Launch is called once per rank and returns the Env of the rank, an immutable context with the rank,
// the world size, the collective.World and the default distributed.ProcessTopology, to be passed to
// every constructor. Ranks launched with the same host:port join the same world.
//
// Spawn runs a function for every rank of a new world, each on its own goroutine, and is the usual
// entry point for tests and tools.
package launch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Env is the launch context of one rank. It is immutable and safe to share.
type Env struct {
	rank, worldSize int
	host            string
	port            int
	runID           uuid.UUID
	config          *Config
	world           *collective.World
	topology        *distributed.ProcessTopology
	closeOnce       sync.Once
}

// Rank of the process.
func (e *Env) Rank() int { return e.rank }

// WorldSize is the total number of ranks.
func (e *Env) WorldSize() int { return e.worldSize }

// Host the world was launched with.
func (e *Env) Host() string { return e.host }

// Port the world was launched with.
func (e *Env) Port() int { return e.port }

// Addr is the "host:port" address identifying the world.
func (e *Env) Addr() string { return net.JoinHostPort(e.host, strconv.Itoa(e.port)) }

// RunID uniquely identifies the world. It is the same for all its ranks.
func (e *Env) RunID() uuid.UUID { return e.runID }

// Config returns the launch configuration.
func (e *Env) Config() *Config { return e.config }

// World returns the collective world of the rank.
func (e *Env) World() *collective.World { return e.world }

// Topology returns the default topology, built from the parallel configuration.
func (e *Env) Topology() *distributed.ProcessTopology { return e.topology }

// String implements fmt.Stringer.
func (e *Env) String() string {
	return fmt.Sprintf("Env(rank=%d/%d, addr=%s, run=%s)", e.rank, e.worldSize, e.Addr(), e.runID)
}

// registration of a world in the process.
type registration struct {
	world    *collective.World
	launched sets.Set[int]
	closed   int
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*registration)
)

// Launch joins rank to the world registered at host:port, creating it if this is the first rank, and
// returns its Env.
//
// All ranks of a world must use the same worldSize. Launching the same rank twice in a world returns an
// error wrapping distributed.ErrConfiguration, as do invalid configurations.
// Call Env.Close when the rank is done, so the address can be reused.
func Launch(rank, worldSize int, host string, port int, cfg *Config) (*Env, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Wrapf(distributed.ErrConfiguration, "invalid rank %d for world size %d", rank, worldSize)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	registryMu.Lock()
	reg, found := registry[addr]
	if !found {
		world, err := collective.NewWorld(worldSize)
		if err != nil {
			registryMu.Unlock()
			return nil, err
		}
		reg = &registration{world: world, launched: sets.Make[int](worldSize)}
		registry[addr] = reg
		klog.V(1).Infof("launch: created %s at %s", world, addr)
	}
	if reg.world.Size() != worldSize {
		registryMu.Unlock()
		return nil, errors.Wrapf(distributed.ErrConfiguration, "world at %s has size %d, rank %d launched with world size %d",
			addr, reg.world.Size(), rank, worldSize)
	}
	if !reg.launched.InsertNew(rank) {
		registryMu.Unlock()
		return nil, errors.Wrapf(distributed.ErrConfiguration, "rank %d was already launched at %s", rank, addr)
	}
	registryMu.Unlock()

	topology, err := distributed.NewProcessTopology(reg.world, rank, cfg.Parallel.Data, cfg.Parallel.Tensor.Size)
	if err != nil {
		registryMu.Lock()
		delete(reg.launched, rank)
		registryMu.Unlock()
		return nil, err
	}
	return &Env{
		rank:      rank,
		worldSize: worldSize,
		host:      host,
		port:      port,
		runID:     reg.world.ID(),
		config:    cfg,
		world:     reg.world,
		topology:  topology,
	}, nil
}

// Close releases the rank's registration. Once all ranks of a world are closed, its address can be
// used to launch a new world. It waits for the rank's pending asynchronous collectives.
func (e *Env) Close() {
	e.closeOnce.Do(func() {
		e.world.Wait(e.rank)
		registryMu.Lock()
		defer registryMu.Unlock()
		reg, found := registry[e.Addr()]
		if !found || reg.world != e.world {
			return
		}
		reg.closed++
		if reg.closed == e.worldSize {
			delete(registry, e.Addr())
			klog.V(1).Infof("launch: released %s at %s", e.world, e.Addr())
		}
	})
}

// FreePort returns a TCP port currently free on the loopback interface, used to build unique world addresses.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "looking for a free port")
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// RankFunc is the function run for each rank by Spawn.
type RankFunc func(ctx context.Context, env *Env) error

// Spawn launches worldSize ranks on a new world and runs fn for each of them on its own goroutine.
//
// If any rank fails (returns an error or panics) the world is aborted, so the other ranks blocked on
// collectives fail too, and Spawn returns the first error. A panic is converted to an error.
func Spawn(ctx context.Context, worldSize int, cfg *Config, fn RankFunc) error {
	port, err := FreePort()
	if err != nil {
		return err
	}
	envs := make([]*Env, worldSize)
	for rank := range worldSize {
		envs[rank], err = Launch(rank, worldSize, "127.0.0.1", port, cfg)
		if err != nil {
			for _, env := range envs[:rank] {
				env.Close()
			}
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, env := range envs {
		eg.Go(func() error {
			defer env.Close()
			var rankErr error
			exception := exceptions.Try(func() { rankErr = fn(ctx, env) })
			if exception != nil {
				if e, ok := exception.(error); ok {
					rankErr = errors.WithMessagef(e, "rank %d panicked", env.rank)
				} else {
					rankErr = errors.Errorf("rank %d panicked: %v", env.rank, exception)
				}
			}
			if rankErr != nil {
				rankErr = errors.WithMessagef(rankErr, "rank %d", env.rank)
				env.world.Abort(rankErr)
			}
			return rankErr
		})
	}
	return eg.Wait()
}
