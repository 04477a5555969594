package opencapi

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/sim"
	"github.com/sarchlab/slotreset/slot"
)

// Brick training states.
const (
	StateFResetStart slot.State = 0x40 + iota
	StateFResetInit
	StateFResetAssertDelay
	StateFResetDeassertDelay
	StateFResetDeassertDelay2
	StateFResetInitDelay
)

// Training completion states.
const (
	StateLinkStart slot.State = 0x50 + iota
	StateLinkWait
	StateLinkTrained
)

// States is the enumeration of the OpenCAPI brick variant.
var States = slot.NewStateSet("opencapi", map[slot.State]string{
	StateFResetStart:          "FRESET_START",
	StateFResetInit:           "FRESET_INIT",
	StateFResetAssertDelay:    "FRESET_ASSERT_DELAY",
	StateFResetDeassertDelay:  "FRESET_DEASSERT_DELAY",
	StateFResetDeassertDelay2: "FRESET_DEASSERT_DELAY2",
	StateFResetInitDelay:      "FRESET_INIT_DELAY",
	StateLinkStart:            "LINK_START",
	StateLinkWait:             "LINK_WAIT",
	StateLinkTrained:          "LINK_TRAINED",
})

// Timing and retry budgets of brick training.
const (
	AdapterResetHold    = 5 * sim.Millisecond
	ODLResetSettle      = 1 * sim.Millisecond
	AdapterReadyDelay   = 250 * sim.Millisecond
	PatternADelay       = 5 * sim.Millisecond
	TrainPollInterval   = 1 * sim.Millisecond
	TrainTimeout        = 3000 * sim.Millisecond
	RetrainDelay        = 1 * sim.Millisecond
	LinkTrainingRetries = 2
)

// ErrUnknownTrainedMode is returned when the link reports a width the brick
// cannot have trained at.
var ErrUnknownTrainedMode = errors.New("unknown trained mode")

type sidebandStatus struct {
	gen     uint64
	pending bool
	err     error
}

// Brick is the OpenCAPI variant. One Brick serves one slot.
type Brick struct {
	Index    int
	LaneMask uint32

	// Scannable tells if devices behind the brick may be enumerated.
	Scannable bool

	npu      *NPU
	odl      int
	regs     BrickRegs
	bus      i2c.Bus
	sideband SidebandConfig
	present  bool
	log      logr.Logger

	trainStart sim.VTimeInNs
	sb         sidebandStatus
}

// NewBrick creates the variant for one brick of an NPU. The sideband
// configuration comes from the platform quirk table.
func NewBrick(
	npu *NPU,
	index int,
	laneMask uint32,
	bus i2c.Bus,
	sideband SidebandConfig,
) (*Brick, error) {
	if err := checkBrick(index); err != nil {
		return nil, err
	}

	odl := index % 2
	if sideband.ODLPhySwap {
		odl = 1 - odl
	}

	return &Brick{
		Index:    index,
		LaneMask: laneMask,
		npu:      npu,
		odl:      odl,
		regs:     RegsOf(index, odl),
		bus:      bus,
		sideband: sideband,
		present:  true,
		log:      logr.Discard(),
	}, nil
}

// WithLogger sets the logger used outside of slot context.
func (b *Brick) WithLogger(l logr.Logger) *Brick {
	b.log = l.WithValues("brick", b.Index)
	return b
}

// Regs returns the registers the brick drives.
func (b *Brick) Regs() BrickRegs {
	return b.regs
}

// ODL returns the link layer instance serving the brick.
func (b *Brick) ODL() int {
	return b.odl
}

// NPU returns the unit the brick belongs to.
func (b *Brick) NPU() *NPU {
	return b.npu
}

// States returns the OpenCAPI state enumeration.
func (b *Brick) States() *slot.StateSet {
	return States
}

// InitSlot marks the slot as non-pluggable with fixed power.
func (b *Brick) InitSlot(s *slot.Slot) error {
	s.Pluggable = false
	s.PowerCtl = false
	s.AttentionCtl = false
	s.PowerState = slot.PowerOn

	return nil
}

// SetPresent overrides the cached presence.
func (b *Brick) SetPresent(present bool) {
	b.present = present
}

// GetPresence reports the presence found when the brick was probed.
func (b *Brick) GetPresence(s *slot.Slot) (bool, error) {
	return b.present, nil
}

// GetLinkWidth reports the trained width, 0 when the link is not trained.
func (b *Brick) GetLinkWidth(s *slot.Slot) (uint32, error) {
	status, err := b.odlStatus()
	if err != nil {
		return 0, err
	}

	if hw.GetField(ODLStatusTrainingSM, status) != TrainingSMTrained {
		return 0, nil
	}

	switch mode := hw.GetField(ODLStatusTrainedMode, status); mode {
	case TrainedModeX4:
		return 4, nil
	case TrainedModeX8:
		return 8, nil
	default:
		return 0, errors.Wrapf(ErrUnknownTrainedMode, "mode %#b", mode)
	}
}

// PrepareLinkChange hides the devices behind the brick while the link is
// down.
func (b *Brick) PrepareLinkChange(s *slot.Slot, up bool) {
	if !up {
		b.Scannable = false
	}
}

func (b *Brick) odlStatus() (uint64, error) {
	v, err := b.npu.regs.Read(b.npu.Chip, b.regs.ODLStatus)
	if err != nil {
		return 0, errors.Wrap(err, "read odl status")
	}

	return v, nil
}

func fail(s *slot.Slot, err error, msg string) slot.Result {
	s.Logger().Error(err, msg, "state", s.StateName())
	s.SetState(slot.StateNormal)

	return slot.Failed()
}

func unexpectedState(s *slot.Slot, op string) slot.Result {
	s.Logger().Error(nil, "unexpected state", "operation", op,
		"state", s.StateName())
	s.SetState(slot.StateNormal)

	return slot.Failed()
}

// FundamentalReset resets the adapter through its sideband reset line and
// retrains the link.
func (b *Brick) FundamentalReset(s *slot.Slot) slot.Result {
	switch st := s.State(); st {
	case slot.StateNormal, StateFResetStart:
		return b.startReset(s)
	case StateFResetInit:
		return b.resetInit(s)
	case StateFResetAssertDelay:
		return b.releaseODL(s)
	case StateFResetDeassertDelay:
		return b.releaseAdapter(s)
	case StateFResetDeassertDelay2:
		return b.injectPattern(s)
	case StateFResetInitDelay:
		return b.startTraining(s)
	case StateLinkStart, StateLinkWait, StateLinkTrained:
		return b.PollLink(s)
	}

	return unexpectedState(s, "freset")
}

func (b *Brick) startReset(s *slot.Slot) slot.Result {
	if !b.present {
		s.Logger().Info("no device, nothing to train")
		s.SetState(slot.StateNormal)

		return slot.Succeeded()
	}

	s.SetState(StateFResetStart)
	s.PrepareLinkChange(false)

	if s.TrainNeedFence && !s.TrainFenced {
		err := b.npu.Fence(b.Index, true)
		if err != nil {
			return fail(s, err, "cannot fence transaction layer")
		}

		s.TrainFenced = true
	}

	s.TrainNeedFence = true
	s.LinkRetries = LinkTrainingRetries

	err := b.phyReset()
	if err != nil {
		return fail(s, err, "cannot reset phy")
	}

	s.SetState(StateFResetInit)

	return b.resetInit(s)
}

func (b *Brick) phyReset() error {
	err := hw.SetBits(b.npu.regs, b.npu.Chip, b.regs.PhyCtl, PhyCtlReset)
	if err != nil {
		return err
	}

	return hw.ClearBits(b.npu.regs, b.npu.Chip, b.regs.PhyCtl, PhyCtlReset)
}

func (b *Brick) resetInit(s *slot.Slot) slot.Result {
	err := hw.SetBits(b.npu.regs, b.npu.Chip, b.regs.ODLConfig, ODLConfigReset)
	if err != nil {
		return fail(s, err, "cannot assert odl reset")
	}

	b.assertAdapterReset()
	s.SetState(StateFResetAssertDelay)

	return s.ResumeAfter(AdapterResetHold)
}

func (b *Brick) releaseODL(s *slot.Slot) slot.Result {
	if err := b.sidebandResult(); err != nil {
		return b.retrain(s, err, "adapter reset not asserted")
	}

	err := hw.ClearBits(b.npu.regs, b.npu.Chip, b.regs.ODLConfig, ODLConfigReset)
	if err != nil {
		return fail(s, err, "cannot deassert odl reset")
	}

	s.SetState(StateFResetDeassertDelay)

	return s.ResumeAfter(ODLResetSettle)
}

func (b *Brick) releaseAdapter(s *slot.Slot) slot.Result {
	b.deassertAdapterReset()
	s.SetState(StateFResetDeassertDelay2)

	return s.ResumeAfter(AdapterReadyDelay)
}

func (b *Brick) injectPattern(s *slot.Slot) slot.Result {
	if err := b.sidebandResult(); err != nil {
		return b.retrain(s, err, "adapter reset not released")
	}

	if s.TrainFenced {
		err := b.npu.Fence(b.Index, false)
		if err != nil {
			return fail(s, err, "cannot unfence transaction layer")
		}

		s.TrainFenced = false
	}

	err := hw.ModifyField(b.npu.regs, b.npu.Chip, b.regs.ODLConfig,
		ODLConfigTrainMode, TrainModePatternA)
	if err != nil {
		return fail(s, err, "cannot send pattern A")
	}

	s.SetState(StateFResetInitDelay)

	return s.ResumeAfter(PatternADelay)
}

func (b *Brick) startTraining(s *slot.Slot) slot.Result {
	err := b.bumpLanes()
	if err != nil {
		return fail(s, err, "cannot bump receiver lanes")
	}

	err = hw.ModifyField(b.npu.regs, b.npu.Chip, b.regs.ODLConfig,
		ODLConfigTrainMode, TrainModeFull)
	if err != nil {
		return fail(s, err, "cannot start training")
	}

	s.Retries = int(TrainTimeout / TrainPollInterval)
	b.trainStart = s.Now()
	s.SetState(StateLinkStart)

	return b.PollLink(s)
}

// bumpLanes shifts the receiver sampling point of every lane by one unit
// interval.
func (b *Brick) bumpLanes() error {
	for lane := uint(0); lane < 32; lane++ {
		if b.LaneMask&(1<<lane) == 0 {
			continue
		}

		reg := RxLaneReg(b.Index, lane)

		err := hw.SetBits(b.npu.regs, b.npu.Chip, reg, RxLaneBumpOneUI)
		if err != nil {
			return err
		}

		err = hw.ClearBits(b.npu.regs, b.npu.Chip, reg, RxLaneBumpOneUI)
		if err != nil {
			return err
		}
	}

	return nil
}

// PollLink waits for training to complete and enables the transmit path.
// Started on an idle brick, it only checks that the link is trained.
func (b *Brick) PollLink(s *slot.Slot) slot.Result {
	switch s.State() {
	case slot.StateNormal:
		return b.checkTrained(s)
	case StateLinkStart:
		s.SetState(StateLinkWait)
		return b.checkTraining(s)
	case StateLinkWait:
		return b.checkTraining(s)
	case StateLinkTrained:
		return b.enableLink(s)
	}

	return unexpectedState(s, "poll_link")
}

func (b *Brick) checkTrained(s *slot.Slot) slot.Result {
	status, err := b.odlStatus()
	if err != nil {
		return fail(s, err, "cannot read link status")
	}

	if hw.GetField(ODLStatusTrainingSM, status) == TrainingSMTrained {
		return slot.Succeeded()
	}

	s.Logger().Info("link not trained", "status", status)

	return slot.Failed()
}

func (b *Brick) checkTraining(s *slot.Slot) slot.Result {
	status, err := b.odlStatus()
	if err != nil {
		return fail(s, err, "cannot read link status")
	}

	if hw.GetField(ODLStatusTrainingSM, status) == TrainingSMTrained {
		elapsed := s.Now() - b.trainStart
		s.Logger().Info("link trained",
			"ms", uint64(elapsed/sim.Millisecond),
			"mode", hw.GetField(ODLStatusTrainedMode, status))

		rx := hw.GetField(ODLStatusRxTrainedLane, status)
		tx := hw.GetField(ODLStatusTxTrainedLane, status)

		if rx != AllLanesTrained || tx != AllLanesTrained {
			s.Logger().Info("link trained in degraded mode",
				"rxLanes", rx, "txLanes", tx, "status", status)
			s.Report("degraded", status, b.dump())
		}

		s.SetState(StateLinkTrained)

		return s.ResumeAfter(TrainPollInterval)
	}

	if s.Retries <= 0 {
		s.Logger().Info("training timed out", "status", status)
		return b.retrain(s, nil, "link did not train")
	}

	s.Retries--

	return s.ResumeAfter(TrainPollInterval)
}

// retrain restarts the reset from FRESET_INIT while whole-sequence retries
// remain.
func (b *Brick) retrain(s *slot.Slot, cause error, msg string) slot.Result {
	status, err := b.odlStatus()
	if err != nil {
		s.Logger().Error(err, "cannot read link status")
		msg += "; link status unreadable"
	}

	if s.LinkRetries <= 0 {
		s.Logger().Error(cause, "link training failed", "reason", msg,
			"status", status)
		s.Report("training-failed", status, msg+"; "+b.dump())
		// A fenced attempt stays fenced. The next freset unfences it.
		s.SetState(slot.StateNormal)

		return slot.Failed()
	}

	s.LinkRetries--
	s.Logger().Info("retraining link", "reason", msg,
		"retriesLeft", s.LinkRetries, "error", errString(cause))
	// FRESET_START is skipped, so the fence decision is not redone.
	// TODO: confirm the retry entry point against the NPU workbook.
	s.SetState(StateFResetInit)

	return s.ResumeAfter(RetrainDelay)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func (b *Brick) enableLink(s *slot.Slot) slot.Result {
	err := hw.SetBits(b.npu.regs, b.npu.Chip, b.regs.OTLConfig2, OTLConfig2TxSendEn)
	if err != nil {
		return fail(s, err, "cannot enable transmit")
	}

	credits, err := b.npu.regs.Read(b.npu.Chip, b.regs.OTLCredits)
	if err != nil {
		return fail(s, err, "cannot read credits")
	}

	errStat, err := b.npu.regs.Read(b.npu.Chip, b.regs.OTLErrStat)
	if err != nil {
		return fail(s, err, "cannot read error status")
	}

	s.Logger().V(1).Info("transmit enabled",
		"credits", credits, "errors", errStat)

	b.Scannable = true
	s.PrepareLinkChange(true)
	s.SetState(slot.StateNormal)

	return slot.Succeeded()
}

// dump renders the link registers for diagnostics.
func (b *Brick) dump() string {
	read := func(name string, off uint64) string {
		v, err := b.npu.regs.Read(b.npu.Chip, off)
		if err != nil {
			return name + " read error"
		}

		return fmt.Sprintf("%s %#016x", name, v)
	}

	return strings.Join([]string{
		read("odl config", b.regs.ODLConfig),
		read("status", b.regs.ODLStatus),
		read("phy", b.regs.PhyCtl),
	}, " ")
}
