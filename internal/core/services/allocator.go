package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
	"github.com/melih/termfleet/internal/metrics"
)

// AllocatorConfig bounds the host port range and selects the reservation mode.
type AllocatorConfig struct {
	Start int
	End   int
	// Reserve holds each chosen port in-process until its container is created.
	// Without it two concurrent requests can pick the same free port and one
	// of them fails at bind time.
	Reserve bool
}

// PortAllocator picks unused host ports at random from a fixed range.
type PortAllocator struct {
	view ports.ActiveContainerView
	cfg  AllocatorConfig
	log  logrus.FieldLogger

	intn func(n int) int

	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator creates an allocator that checks candidates against view.
func NewPortAllocator(view ports.ActiveContainerView, cfg AllocatorConfig, log logrus.FieldLogger) *PortAllocator {
	return &PortAllocator{
		view:     view,
		cfg:      cfg,
		log:      log.WithField("component", "ports"),
		intn:     rand.IntN,
		reserved: make(map[int]struct{}),
	}
}

// Reservation is a chosen port. Release must be called once the container
// create attempt has finished, whether it succeeded or not.
type Reservation struct {
	Port    int
	release func()
	once    sync.Once
}

// Release frees the in-process hold on the port. It is safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.release == nil {
		return
	}
	r.once.Do(r.release)
}

// Allocate returns a port absent from the live port set at the moment of
// selection. Nothing is reserved.
func (a *PortAllocator) Allocate(ctx context.Context) (int, error) {
	used, err := a.livePorts(ctx)
	if err != nil {
		return 0, err
	}
	return a.sample(ctx, used)
}

// Reserve allocates a port and, in reservation mode, holds it until Release.
func (a *PortAllocator) Reserve(ctx context.Context) (*Reservation, error) {
	if !a.cfg.Reserve {
		port, err := a.Allocate(ctx)
		if err != nil {
			return nil, err
		}
		return &Reservation{Port: port}, nil
	}

	// The live query runs under the lock so a port released after creation is
	// already visible as live to the next caller.
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.livePorts(ctx)
	if err != nil {
		return nil, err
	}
	for p := range a.reserved {
		used[p] = struct{}{}
	}

	port, err := a.sample(ctx, used)
	if err != nil {
		return nil, err
	}
	a.reserved[port] = struct{}{}

	a.log.WithField("port", port).Debug("Reserved port")

	return &Reservation{
		Port: port,
		release: func() {
			a.mu.Lock()
			delete(a.reserved, port)
			a.mu.Unlock()
		},
	}, nil
}

func (a *PortAllocator) livePorts(ctx context.Context) (map[int]struct{}, error) {
	portsByID, err := a.view.ActivePorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading allocated ports: %w", err)
	}

	used := make(map[int]struct{}, len(portsByID))
	for _, p := range portsByID {
		used[p] = struct{}{}
	}
	return used, nil
}

func (a *PortAllocator) sample(ctx context.Context, used map[int]struct{}) (int, error) {
	size := a.cfg.End - a.cfg.Start + 1
	if size <= 0 {
		return 0, domain.InvalidRequest("empty port range %d-%d", a.cfg.Start, a.cfg.End)
	}

	taken := 0
	for p := range used {
		if p >= a.cfg.Start && p <= a.cfg.End {
			taken++
		}
	}
	if taken >= size {
		return 0, domain.NewError(domain.KindPortRangeExhausted,
			fmt.Sprintf("no free ports in range %d-%d", a.cfg.Start, a.cfg.End))
	}

	for samples := 1; ; samples++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port := a.cfg.Start + a.intn(size)
		if _, ok := used[port]; !ok {
			metrics.PortSamples.Observe(float64(samples))
			return port, nil
		}
	}
}
