package ahci

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ControllerState mirrors spec §4.2's HBA state machine.
type ControllerState int

const (
	Uninitialized ControllerState = iota
	Initializing
	Running
	Suspended
	ErrorState
	Resetting
)

func (s ControllerState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case ErrorState:
		return "Error"
	case Resetting:
		return "Resetting"
	default:
		return "Unknown"
	}
}

// HBA is a software model of a SATA host bus adapter's generic host control
// registers. It owns the ports implemented, the DMA-coherent memory arena
// backing every port's command list / FIS area / command tables, and the
// controller-wide state machine.
type HBA struct {
	mu sync.Mutex

	state ControllerState
	numSlots int
	s64a     bool
	ncq      bool

	portsImplemented uint32
	ports            map[int]*Port

	ghc uint32
	is  uint32

	arena *dmaArena
	trace *interruptTrace

	log *logrus.Entry
}

// Options configures a simulated HBA's capabilities at construction, taking
// the place of the real CAP register read from hardware.
type Options struct {
	PortsImplemented uint32
	NumSlots         int // 1..32, CAP.NCS+1
	Supports64Bit    bool
	SupportsNCQ      bool
	ArenaSize        uint64
}

// NewHBA constructs an HBA in the Uninitialized state.
func NewHBA(opts Options) *HBA {
	if opts.NumSlots <= 0 || opts.NumSlots > NumSlots {
		opts.NumSlots = NumSlots
	}
	if opts.ArenaSize == 0 {
		opts.ArenaSize = 16 * 1024 * 1024
	}
	h := &HBA{
		state:            Uninitialized,
		numSlots:         opts.NumSlots,
		s64a:             opts.Supports64Bit,
		ncq:              opts.SupportsNCQ,
		portsImplemented: opts.PortsImplemented,
		ports:            make(map[int]*Port),
		arena:            newDMAArena(opts.ArenaSize),
		trace:            newInterruptTrace(),
		log:              logrus.WithField("component", "ahci"),
	}
	for i := 0; i < 32; i++ {
		if opts.PortsImplemented&(1<<uint(i)) != 0 {
			h.ports[i] = newPort(i, h)
		}
	}
	return h
}

// State returns the controller's current state.
func (h *HBA) State() ControllerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// reset asserts GHC.HR and spins until the HBA clears it (≤1s per spec
// §4.2), then re-asserts GHC.AE.
func (h *HBA) reset() error {
	h.ghc |= ghcHR
	deadline := time.Now().Add(1 * time.Second)
	for h.ghc&ghcHR != 0 {
		h.ghc &^= ghcHR // the simulated HBA clears HR immediately
		if time.Now().After(deadline) {
			return errors.New("ahci: HBA reset did not complete")
		}
	}
	h.ghc |= ghcAE
	return nil
}

// Initialize runs the controller bring-up sequence: reset, enable AHCI,
// enumerate implemented ports, and bring each one up (spec §4.2).
func (h *HBA) Initialize() error {
	h.mu.Lock()
	h.state = Initializing
	h.mu.Unlock()

	if err := h.reset(); err != nil {
		h.setError()
		return err
	}

	h.mu.Lock()
	h.ghc |= ghcIE
	ports := make([]*Port, 0, len(h.ports))
	for _, p := range h.ports {
		ports = append(ports, p)
	}
	h.mu.Unlock()

	for _, p := range ports {
		if err := p.initialize(); err != nil {
			h.log.WithError(err).WithField("port", p.num).Warn("port init failed")
		}
	}

	h.mu.Lock()
	h.state = Running
	h.mu.Unlock()
	return nil
}

func (h *HBA) setError() {
	h.mu.Lock()
	h.state = ErrorState
	h.mu.Unlock()
}

// Port returns the initialized port numbered n.
func (h *HBA) Port(n int) (*Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.ports[n]
	if !ok {
		return nil, errors.Errorf("ahci: port %d not implemented", n)
	}
	return p, nil
}

// Trace returns the controller's interrupt trace text, for
// `galleonctl ahci trace`.
func (h *HBA) Trace() string {
	return h.trace.Dump()
}

// AttachDisk wires a simulated backing store to the given port, standing in
// for a physical SATA device responding to the port's SATA link. Call this
// before Initialize, or before first use of the port.
func (h *HBA) AttachDisk(portNum int, disk *SimulatedDisk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.ports[portNum]
	if !ok {
		return errors.Errorf("ahci: port %d not implemented", portNum)
	}
	p.disk = disk
	return nil
}
