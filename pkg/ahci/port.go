package ahci

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PortState mirrors the per-port lifecycle referenced throughout spec §4.2.
type PortState int

const (
	PortUninitialized PortState = iota
	PortInitializing
	PortReady
	PortDevicePresent
	PortErrorState
	PortResetting
)

// commandListEntrySize is the size of one command header slot in the
// command list (spec §4.2: 32 × 32 B = 1 KiB).
const (
	commandListSize    = NumSlots * 32
	commandHeaderSize  = 32
	fisReceiveAreaSize = 256
	cfisSize           = 64
	atapiSize          = 16
	cmdTableHeaderSize = cfisSize + atapiSize + 48 // 128 B fixed region before PRDT
)

type pendingCommand struct {
	cmd      *Command
	resultCh chan error
	issuedAt time.Time
}

// Port is a software model of one AHCI port: its command list, FIS receive
// area, per-slot command tables, and the slot-lifecycle state machine of
// spec §4.2.
type Port struct {
	num int
	hba *HBA

	mu    sync.Mutex
	state PortState

	clbAddr uint64
	clb     []byte
	fbAddr  uint64
	fis     []byte

	cmd  uint32 // PxCMD
	is   uint32 // PxIS
	serr uint32 // PxSERR
	sctl uint32 // PxSCTL
	ssts uint32 // PxSSTS
	sig  uint32 // PxSIG

	issueLock sync.Mutex
	slots     *slotSet
	pending   [NumSlots]*pendingCommand

	disk  *SimulatedDisk
	retry *RetryQueue
}

func newPort(num int, hba *HBA) *Port {
	return &Port{
		num:   num,
		hba:   hba,
		state: PortUninitialized,
		slots: newSlotSet(),
	}
}

// State returns the port's current lifecycle state.
func (p *Port) State() PortState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// stopEngine clears CMD.ST and CMD.FRE and waits for CMD.CR and CMD.FR to
// clear, per spec §4.2 step 1.
func (p *Port) stopEngine() error {
	p.cmd &^= cmdST
	// Simulated hardware drops CR the instant ST clears.
	p.cmd &^= cmdCR
	p.cmd &^= cmdFRE
	p.cmd &^= cmdFR
	return nil
}

// initialize runs the full per-port bring-up sequence of spec §4.2.
func (p *Port) initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = PortInitializing

	if err := p.stopEngine(); err != nil {
		p.state = PortErrorState
		return err
	}

	clbAddr, clb, err := p.hba.arena.alloc(commandListSize, 1024)
	if err != nil {
		p.state = PortErrorState
		return errors.Wrap(err, "ahci: allocate command list")
	}
	p.clbAddr, p.clb = clbAddr, clb

	fbAddr, fis, err := p.hba.arena.alloc(fisReceiveAreaSize, 256)
	if err != nil {
		p.state = PortErrorState
		return errors.Wrap(err, "ahci: allocate FIS receive area")
	}
	p.fbAddr, p.fis = fbAddr, fis

	p.is = 0
	p.serr = 0

	p.cmd |= cmdFRE
	p.cmd |= cmdFR
	p.cmd |= cmdST
	p.cmd |= cmdCR

	if p.disk != nil {
		p.ssts = sstsDETPresent | (sstsIPMActive << sstsIPMShift)
		p.sig = p.disk.sig
		p.state = PortDevicePresent
	} else {
		p.ssts = 0
		p.state = PortReady
	}

	return nil
}

// DeviceDetected reports whether SSTS indicates a present, active device,
// per spec §4.2 step 5.
func (p *Port) DeviceDetected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	det := p.ssts & sstsDETMask
	ipm := (p.ssts & sstsIPMMask) >> sstsIPMShift
	return det == sstsDETPresent && ipm == sstsIPMActive
}

// Signature returns PxSIG, classifying the attached device.
func (p *Port) Signature() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *Port) buildCommandTable(cmd *Command) (ctAddr uint64, prdtl int, err error) {
	var entries []PRDTEntry
	var bufAddr uint64
	var bufView []byte

	if len(cmd.Buffer) > 0 {
		bufAddr, bufView, err = p.hba.arena.alloc(uint64(len(cmd.Buffer)), 4096)
		if err != nil {
			return 0, 0, errors.Wrap(err, "ahci: allocate dma buffer")
		}
		if cmd.Direction == DirWrite {
			copy(bufView, cmd.Buffer)
		}
		entries, err = BuildPRDT(bufAddr, len(cmd.Buffer), true)
		if err != nil {
			return 0, 0, err
		}
	}

	tableSize := uint64(cmdTableHeaderSize + len(entries)*PRDEntrySize)
	ctAddr, ct, err := p.hba.arena.alloc(tableSize, 128)
	if err != nil {
		return 0, 0, errors.Wrap(err, "ahci: allocate command table")
	}

	fis := cmd.BuildFisH2D()
	copy(ct[0:cfisSize], fis)

	for i, e := range entries {
		off := cmdTableHeaderSize + i*PRDEntrySize
		e.serialize(ct[off : off+PRDEntrySize])
	}

	cmd.physBufAddr = bufAddr
	cmd.physBufView = bufView

	return ctAddr, len(entries), nil
}

func (p *Port) buildCommandHeader(slot int, cmd *Command, ctAddr uint64, prdtl int) {
	h := p.clb[slot*commandHeaderSize : (slot+1)*commandHeaderSize]
	cfl := byte(FisRegH2DSize / 4)
	flags := uint16(cfl) & 0x1F
	if cmd.Direction == DirWrite {
		flags |= 1 << 6 // W
	}
	putU16(h[0:2], flags)
	putU16(h[2:4], uint16(prdtl))
	putU32(h[4:8], 0) // PRDBC, HBA-updated on completion
	putU32(h[8:12], uint32(ctAddr))
	putU32(h[12:16], uint32(ctAddr>>32))
}

// ExecuteCommand runs the full Allocate -> BuildCmdTable -> BuildCmdHeader
// -> Issue -> Wait -> Complete -> Release lifecycle of spec §4.2. It blocks
// until the command completes, times out, or ctx is cancelled.
func (p *Port) ExecuteCommand(ctx context.Context, cmd *Command) error {
	slot, err := p.slots.allocate()
	if err != nil {
		return err
	}

	ctAddr, prdtl, err := p.buildCommandTable(cmd)
	if err != nil {
		p.slots.release(slot)
		return err
	}
	p.buildCommandHeader(slot, cmd, ctAddr, prdtl)

	pc := &pendingCommand{cmd: cmd, resultCh: make(chan error, 1), issuedAt: time.Now()}

	p.issueLock.Lock()
	p.mu.Lock()
	p.pending[slot] = pc
	p.mu.Unlock()
	p.slots.markPending(slot)
	p.issueLock.Unlock()

	go p.simulateTransfer(slot, cmd, pc)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = TimeoutControl
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-pc.resultCh:
		p.completeSlot(slot, cmd)
		return err
	case <-timer.C:
		return p.timeoutSlot(slot, cmd)
	case <-ctx.Done():
		return p.timeoutSlot(slot, cmd)
	}
}

// simulateTransfer stands in for the HBA's DMA engine plus the device's
// link-layer completion: it moves bytes between the command's DMA buffer
// and the attached SimulatedDisk, then signals completion the way a real
// ISR would clear PxCI and raise PxIS.
func (p *Port) simulateTransfer(slot int, cmd *Command, pc *pendingCommand) {
	var err error

	if p.disk == nil {
		err = errors.New("ahci: no device present on port")
	} else {
		switch cmd.Opcode {
		case AtaReadDmaExt, AtaReadDma28:
			err = p.disk.readAt(cmd.LBA, cmd.Count, cmd.physBufView)
			if err == nil {
				copy(cmd.Buffer, cmd.physBufView)
			}
		case AtaWriteDmaExt, AtaWriteDma28:
			err = p.disk.writeAt(cmd.LBA, cmd.Count, cmd.physBufView)
		case AtaIdentify:
			if len(cmd.physBufView) >= 2 {
				putU16(cmd.physBufView[0:2], 0x0040)
				copy(cmd.Buffer, cmd.physBufView)
			}
		case AtaFlushCacheExt:
			// nothing to do for a simulated disk
		case AtaSetFeatures:
			// accepted unconditionally by the simulated device
		default:
			err = errors.Errorf("ahci: unsupported opcode %#x", cmd.Opcode)
		}
	}

	p.mu.Lock()
	if err != nil {
		p.is |= isTFES
	} else {
		p.is |= isDHRS
	}
	note := "ok"
	if err != nil {
		note = err.Error()
	}
	p.mu.Unlock()
	p.hba.trace.record(p.num, p.is, note)

	select {
	case pc.resultCh <- err:
	default:
	}
}

func (p *Port) completeSlot(slot int, cmd *Command) {
	p.mu.Lock()
	p.pending[slot] = nil
	p.mu.Unlock()
	p.slots.release(slot)
}

// timeoutSlot implements the timeout/reset path of spec §4.2: the slot is
// completed with Timeout, the port is reset via COMRESET, and the
// descriptor is pushed to the durable retry queue (when configured) for the
// caller to re-submit.
func (p *Port) timeoutSlot(slot int, cmd *Command) error {
	p.completeSlot(slot, cmd)

	if p.retry != nil {
		_ = p.retry.Push(RetryDescriptor{
			PortNum:   p.num,
			Opcode:    cmd.Opcode,
			LBA:       cmd.LBA,
			Count:     cmd.Count,
			Direction: cmd.Direction,
			QueuedAt:  time.Now(),
		})
	}

	if err := p.Reset(); err != nil {
		return errors.Wrap(err, "ahci: port reset after timeout failed")
	}

	return errors.Wrap(errTimeout, "ahci: command timed out")
}

// Reset performs a COMRESET (SCTL.DET=1 for ≥1 ms, then DET=0) and
// re-initializes the port, per spec §4.2.
func (p *Port) Reset() error {
	p.mu.Lock()
	p.state = PortResetting
	p.mu.Unlock()

	p.sctl = sctlDETComreset
	time.Sleep(1 * time.Millisecond)
	p.sctl = sctlDETNone

	return p.initialize()
}

// SetRetryQueue attaches a durable retry spool used on timeout.
func (p *Port) SetRetryQueue(q *RetryQueue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry = q
}

var errTimeout = errors.New("ahci: timeout")
