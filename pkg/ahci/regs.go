package ahci

// Register layout and bit constants for the AHCI 1.3 generic host control
// block and per-port register block. Values follow the AHCI specification;
// only the subset exercised by the driver is named.

const (
	// Generic host control, offsets from ABAR.
	regCAP  = 0x00 // host capabilities
	regGHC  = 0x04 // global host control
	regIS   = 0x08 // interrupt status
	regPI   = 0x0C // ports implemented
	regVS   = 0x10 // version

	ghcHR = 1 << 0 // HBA reset
	ghcIE = 1 << 1 // interrupt enable
	ghcAE = 1 << 31 // AHCI enable

	capNCSShift = 8
	capNCSMask  = 0x1F
	capNPMask   = 0x1F
	capS64A     = 1 << 31 // 64-bit addressing
	capSNCQ     = 1 << 30 // NCQ support
)

// Per-port register block offsets (relative to the port's base within the
// port register area, each port occupies 0x80 bytes).
const (
	portCLB   = 0x00
	portCLBU  = 0x04
	portFB    = 0x08
	portFBU   = 0x0C
	portIS    = 0x10
	portIE    = 0x14
	portCMD   = 0x18
	portTFD   = 0x20
	portSIG   = 0x24
	portSSTS  = 0x28
	portSCTL  = 0x2C
	portSERR  = 0x30
	portSACT  = 0x34
	portCI    = 0x38
)

const (
	cmdST  = 1 << 0  // start
	cmdFRE = 1 << 4  // fis receive enable
	cmdFR  = 1 << 14 // fis receive running
	cmdCR  = 1 << 15 // command list running

	isTFES = 1 << 30 // task file error status
	isHBFS = 1 << 29 // host bus fatal error
	isHBDS = 1 << 28 // host bus data error
	isIFS  = 1 << 27 // interface fatal error
	isDHRS = 1 << 0  // device to host register fis

	sctlDETComreset = 1
	sctlDETNone     = 0

	sstsDETMask  = 0xF
	sstsDETPresent = 3
	sstsIPMMask  = 0xF00
	sstsIPMShift = 8
	sstsIPMActive = 1
)

// Device signatures read from PxSIG after a successful device detection.
const (
	SigATA  = 0x00000101
	SigATAPI = 0xEB140101
	SigSEMB  = 0xC33C0101
	SigPM    = 0x96690101
)
