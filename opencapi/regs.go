package opencapi

import "github.com/sarchlab/slotreset/hw"

// ODL configuration register fields.
var (
	ODLConfigReset            = hw.PPCBit(0)
	ODLConfigVersion          = hw.PPCBitMask(2, 7)
	ODLConfigTrainMode        = hw.PPCBitMask(8, 11)
	ODLConfigSupportedModes   = hw.PPCBitMask(12, 15)
	ODLConfigX4Backoff        = hw.PPCBit(16)
	ODLConfigPhyCntrLimit     = hw.PPCBitMask(20, 23)
	ODLConfigDebugEnable      = hw.PPCBit(33)
	ODLConfigFwdProgressTimer = hw.PPCBitMask(40, 43)
)

// Training modes.
const (
	TrainModePatternA = 0b0001
	TrainModeFull     = 0b1000
)

// ODL status register fields.
var (
	ODLStatusTrainedMode   = hw.PPCBitMask(4, 7)
	ODLStatusRxTrainedLane = hw.PPCBitMask(16, 23)
	ODLStatusTxTrainedLane = hw.PPCBitMask(24, 31)
	ODLStatusTrainingSM    = hw.PPCBitMask(49, 51)
)

// Training state machine and trained mode encodings.
const (
	TrainingSMTrained = 0x7
	TrainedModeX4     = 0b0001
	TrainedModeX8     = 0b0010
	AllLanesTrained   = 0xff
)

// PHY register fields.
var (
	PhyCtlReset     = hw.PPCBit(0)
	RxLaneBumpOneUI = hw.PPCBit(48)
)

// NPU register blocks.
const (
	stackMisc = 0
	blockCTL  = 4
	blockOTL0 = 6
	blockOTL1 = 7
	blockXSL  = 0xa
	blockMisc = 0xf
)

// NPUReg builds the offset of an NPU register from its stack, block and
// offset in the block.
func NPUReg(stack, block int, offset uint64) uint64 {
	return uint64(stack)<<20 | uint64(block)<<16 | offset
}

// OTL registers, per OTL block.
const (
	otlConfig0  = 0x000
	otlConfig1  = 0x008
	otlConfig2  = 0x0c0
	otlCredits  = 0x0f0
	otlErrStat  = 0x100
	ctlFenceOTL = 0x108
)

// OTL register fields.
var (
	OTLConfig0PEMask   = hw.PPCBitMask(4, 7)
	OTLConfig1TxTempEn = [4]uint64{0, hw.PPCBit(49), hw.PPCBit(50), hw.PPCBit(51)}
	OTLConfig1TxRate   = [4]uint64{0, hw.PPCBitMask(52, 55), hw.PPCBitMask(56, 59), hw.PPCBitMask(60, 63)}
	OTLConfig2TxSendEn = hw.PPCBit(0)
	CtlFenceRequest    = hw.PPCBitMask(0, 1)
)

// FenceStateBit is the bit of a brick in MiscFenceStateReg.
func FenceStateBit(brick int) uint64 {
	return hw.PPCBit(uint(brick))
}

// Fence control encodings.
const (
	FenceRequestFenced   = 0b11
	FenceRequestUnfenced = 0b00
)

// XSL registers.
const (
	xslSPAPA0  = 0x000
	xslSPAPA1  = 0x008
	xslLLCMDA0 = 0x030
)

// XSL register fields.
var (
	SPAPEnable     = hw.PPCBit(63)
	SPAPAddrMask   = hw.PPCBitMask(8, 51)
	LLCMDRequest   = hw.PPCBit(15)
	LLCMDBusy      = hw.PPCBit(16)
	LLCMDOTL1      = hw.PPCBit(48)
	LLCMDHandleMax = uint64(0x7fff)
)

// MiscFenceStateReg holds one fence bit per brick.
var MiscFenceStateReg = NPUReg(stackMisc, blockMisc, 0x500)

// obBase returns the base of the optical bus unit that serves a brick.
func obBase(brick int) uint64 {
	if brick <= 3 {
		return 0x9010800
	}

	return 0xc010800
}

// BrickRegs are the register offsets one brick uses.
type BrickRegs struct {
	ODLConfig    uint64
	ODLStatus    uint64
	PhyCtl       uint64
	OTLConfig0   uint64
	OTLConfig1   uint64
	OTLConfig2   uint64
	OTLCredits   uint64
	OTLErrStat   uint64
	FenceControl uint64
	SPAP         uint64
	LLCMD        uint64
}

// RxLaneReg returns the receiver configuration register of a lane.
func RxLaneReg(brick int, lane uint) uint64 {
	return obBase(brick) + 0x1000 + uint64(lane)*0x20
}

// RegsOf computes the registers of a brick. odl selects the link layer
// instance, which differs from the brick parity on boards that swap PHYs.
func RegsOf(brick int, odl int) BrickRegs {
	stack := StackOf(brick)
	otl := blockOTL0
	spap := uint64(xslSPAPA0)

	if brick%2 == 1 {
		otl = blockOTL1
		spap = xslSPAPA1
	}

	base := obBase(brick)

	return BrickRegs{
		ODLConfig:    base + 0x2a + uint64(odl),
		ODLStatus:    base + 0x2c + uint64(odl),
		PhyCtl:       base + 0x400 + uint64(odl)*0x10,
		OTLConfig0:   NPUReg(stack, otl, otlConfig0),
		OTLConfig1:   NPUReg(stack, otl, otlConfig1),
		OTLConfig2:   NPUReg(stack, otl, otlConfig2),
		OTLCredits:   NPUReg(stack, otl, otlCredits),
		OTLErrStat:   NPUReg(stack, otl, otlErrStat),
		FenceControl: NPUReg(stack, blockCTL, ctlFenceOTL+uint64(brick%2)*0x40),
		SPAP:         NPUReg(stack, blockXSL, spap),
		LLCMD:        NPUReg(stack, blockXSL, xslLLCMDA0),
	}
}

// StackOf returns the NPU stack serving a brick: bricks 2 and 3 sit on stack
// 1, bricks 4 and 5 on stack 2.
func StackOf(brick int) int {
	return brick / 2
}
