// Package opencapi implements OpenCAPI bricks: the link training state
// machine and the NPU operations the host calls directly.
package opencapi

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/sim"
)

// Errors returned by NPU operations.
var (
	ErrParameter = errors.New("invalid parameter")
	ErrBusy      = errors.New("resource busy")
	ErrHardware  = errors.New("hardware error")
)

// Limits and timing of NPU host operations.
const (
	SPAAlign          = 4096
	MaxPEMask         = 15
	CacheClearChecks  = 5
	CacheClearWait    = 200 * sim.Microsecond
	TLRateBufSize     = 32
	NumTemplates      = 4
	FirstOpenCAPIUnit = 2
	LastOpenCAPIUnit  = 5
)

// NPU is the per-chip unit that hosts the OpenCAPI bricks. Operations that
// change shared NPU registers hold the device lock for their whole
// read-modify-write sequence.
type NPU struct {
	Chip uint32

	regs  hw.RegisterAccessor
	clock sim.Clock
	log   logr.Logger
	lock  sync.Mutex
}

// NewNPU creates the NPU of a chip. The clock paces the short status checks
// done while the lock is held.
func NewNPU(chip uint32, regs hw.RegisterAccessor, clock sim.Clock) *NPU {
	return &NPU{
		Chip:  chip,
		regs:  regs,
		clock: clock,
		log:   logr.Discard(),
	}
}

// WithLogger sets the logger.
func (n *NPU) WithLogger(l logr.Logger) *NPU {
	n.log = l.WithValues("npu", n.Chip)
	return n
}

// Regs returns the register accessor the NPU uses.
func (n *NPU) Regs() hw.RegisterAccessor {
	return n.regs
}

func checkBrick(brick int) error {
	if brick < FirstOpenCAPIUnit || brick > LastOpenCAPIUnit {
		return errors.Wrapf(ErrParameter, "brick %d is not an OpenCAPI unit", brick)
	}

	return nil
}

// Fence blocks or unblocks a brick's transaction layer.
func (n *NPU) Fence(brick int, fenced bool) error {
	if err := checkBrick(brick); err != nil {
		return err
	}

	r := RegsOf(brick, 0)
	request := uint64(FenceRequestUnfenced)

	if fenced {
		request = FenceRequestFenced
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	err := hw.ModifyField(n.regs, n.Chip, r.FenceControl, CtlFenceRequest, request)
	if err != nil {
		return err
	}

	return hw.Modify(n.regs, n.Chip, MiscFenceStateReg, func(v uint64) uint64 {
		if fenced {
			return v | FenceStateBit(brick)
		}

		return v &^ FenceStateBit(brick)
	})
}

// SPASetup points a brick's translation unit at a scheduled process area,
// or disables it when addr is 0.
func (n *NPU) SPASetup(brick int, addr uint64, peMask uint64) error {
	if err := checkBrick(brick); err != nil {
		return err
	}

	if addr&(SPAAlign-1) != 0 {
		return errors.Wrapf(ErrParameter, "spa %#x not 4K aligned", addr)
	}

	if peMask > MaxPEMask {
		return errors.Wrapf(ErrParameter, "pe mask %d", peMask)
	}

	r := RegsOf(brick, 0)

	n.lock.Lock()
	defer n.lock.Unlock()

	cur, err := n.regs.Read(n.Chip, r.SPAP)
	if err != nil {
		return errors.Wrap(err, "read spap")
	}

	enabled := cur&SPAPEnable != 0
	if addr != 0 && enabled {
		return errors.Wrapf(ErrBusy, "brick %d spa already enabled", brick)
	}

	if addr == 0 && !enabled {
		return errors.Wrapf(ErrBusy, "brick %d spa already disabled", brick)
	}

	spap := uint64(0)
	if addr != 0 {
		spap = addr&SPAPAddrMask | SPAPEnable
	}

	err = n.regs.Write(n.Chip, r.SPAP, spap)
	if err != nil {
		return errors.Wrap(err, "write spap")
	}

	err = hw.ModifyField(n.regs, n.Chip, r.OTLConfig0, OTLConfig0PEMask, peMask)
	if err != nil {
		return err
	}

	n.log.V(1).Info("spa setup", "brick", brick, "addr", addr, "peMask", peMask)

	return nil
}

// SPAClearCache invalidates the cached context of one process element.
func (n *NPU) SPAClearCache(brick int, peHandle uint64) error {
	if err := checkBrick(brick); err != nil {
		return err
	}

	if peHandle > LLCMDHandleMax {
		return errors.Wrapf(ErrParameter, "pe handle %#x", peHandle)
	}

	r := RegsOf(brick, 0)

	n.lock.Lock()
	defer n.lock.Unlock()

	cur, err := n.regs.Read(n.Chip, r.LLCMD)
	if err != nil {
		return errors.Wrap(err, "read llcmd")
	}

	if cur&LLCMDBusy != 0 {
		return errors.Wrapf(ErrHardware, "brick %d invalidate engine busy", brick)
	}

	req := LLCMDRequest | peHandle
	if brick%2 == 1 {
		req |= LLCMDOTL1
	}

	err = n.regs.Write(n.Chip, r.LLCMD, req)
	if err != nil {
		return errors.Wrap(err, "write llcmd")
	}

	for i := 0; i < CacheClearChecks; i++ {
		n.clock.Sleep(CacheClearWait)

		cur, err = n.regs.Read(n.Chip, r.LLCMD)
		if err != nil {
			return errors.Wrap(err, "read llcmd")
		}

		if cur&LLCMDBusy == 0 {
			return nil
		}
	}

	n.log.Error(ErrHardware, "cache invalidate timed out",
		"brick", brick, "handle", peHandle)

	return errors.Wrapf(ErrHardware,
		"brick %d invalidate of %#x did not finish", brick, peHandle)
}

// TLSet enables the transaction layer templates the device supports and
// programs their transmit rates. Template 0 is mandatory. Rates come four
// bits per template, from the end of the buffer.
func (n *NPU) TLSet(brick int, capabilities uint64, rates []byte) error {
	if err := checkBrick(brick); err != nil {
		return err
	}

	if capabilities&1 == 0 {
		return errors.Wrap(ErrParameter, "template 0 is mandatory")
	}

	if len(rates) != TLRateBufSize {
		return errors.Wrapf(ErrParameter, "rate buffer of %d bytes", len(rates))
	}

	r := RegsOf(brick, 0)

	n.lock.Lock()
	defer n.lock.Unlock()

	return hw.Modify(n.regs, n.Chip, r.OTLConfig1, func(v uint64) uint64 {
		for t := 1; t < NumTemplates; t++ {
			if capabilities&(1<<t) == 0 {
				v &^= OTLConfig1TxTempEn[t]
				continue
			}

			v |= OTLConfig1TxTempEn[t]
			v = hw.SetField(OTLConfig1TxRate[t], v, templateRate(rates, t))
		}

		return v
	})
}

func templateRate(rates []byte, template int) uint64 {
	b := rates[len(rates)-1-template/2]
	if template%2 == 1 {
		b >>= 4
	}

	return uint64(b & 0xf)
}
