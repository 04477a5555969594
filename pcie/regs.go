package pcie

// Offsets inside the PCI Express capability structure.
const (
	ExpCapabilityReg = 0x02
	LinkCapReg       = 0x0c
	LinkCtlReg       = 0x10
	LinkStatusReg    = 0x12
	SlotCapReg       = 0x14
	SlotCtlReg       = 0x18
	SlotStatusReg    = 0x1a
)

// BridgeCtlReg is the bridge control register of a type 1 header.
const BridgeCtlReg = 0x3e

// Capability register fields.
const (
	ExpCapTypeMask     = 0x00f0
	ExpCapSlotImplMask = 0x0100
)

// Link capability fields.
const (
	LinkCapMaxWidthMask = 0x000003f0
	LinkCapDLActRep     = 0x00100000
)

// Link control and status fields.
const (
	LinkCtlLinkDisable   = 0x0010
	LinkStatusWidthMask  = 0x03f0
	LinkStatusDLLLActive = 0x2000
)

// Slot capability fields.
const (
	SlotCapAttnButton     = 0x00000001
	SlotCapPowerCtl       = 0x00000002
	SlotCapMRLSensor      = 0x00000004
	SlotCapAttnIndicator  = 0x00000008
	SlotCapPowerIndicator = 0x00000010
	SlotCapHPSurprise     = 0x00000020
	SlotCapHPCapable      = 0x00000040
)

// Slot control fields. Indicator fields encode 01 on, 10 blink, 11 off.
const (
	SlotCtlAttnIndMask  = 0x00c0
	SlotCtlPowerIndMask = 0x0300
	SlotCtlPowerCtlOff  = 0x0400

	IndicatorOn    = 0x1
	IndicatorBlink = 0x2
	IndicatorOff   = 0x3
)

// Slot status fields.
const (
	SlotStatusMRLOpen  = 0x0020
	SlotStatusPresence = 0x0040
)

// BridgeCtlSecondaryReset asserts reset on the secondary bus.
const BridgeCtlSecondaryReset = 0x0040

// PortType is the device/port type field of the capability register.
type PortType uint8

// Port types relevant to presence detection.
const (
	PortEndpoint       PortType = 0x0
	PortRoot           PortType = 0x4
	PortSwitchUpstream PortType = 0x5
	PortSwitchDownstr  PortType = 0x6
)
