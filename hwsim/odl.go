package hwsim

import (
	"github.com/sarchlab/slotreset/hw"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/sim"
)

// Intermediate training state machine encodings.
const (
	trainingSMIdle    = 0
	trainingSMPattern = 1
	trainingSMRunning = 3
)

// ODLConfig describes how a simulated OpenCAPI link trains.
type ODLConfig struct {
	TrainTime sim.VTimeInNs
	// Mode is the trained mode encoding, x8 when zero.
	Mode uint64
	// Lanes that train in each direction, all when zero.
	RxLanes uint8
	TxLanes uint8
	// FailAttempts is how many training attempts never finish before one
	// succeeds. A negative value means training never succeeds.
	FailAttempts int
}

// ODL models the training state machine of one OpenCAPI link layer.
type ODL struct {
	regs  *RegisterFile
	sched Scheduler
	chip  uint32
	brick opencapi.BrickRegs
	cfg   ODLConfig

	gen      uint64
	Attempts int
}

// NewODL attaches a training model to a brick's link layer registers.
func NewODL(
	sched Scheduler,
	regs *RegisterFile,
	chip uint32,
	brick opencapi.BrickRegs,
	cfg ODLConfig,
) *ODL {
	if cfg.Mode == 0 {
		cfg.Mode = opencapi.TrainedModeX8
	}

	if cfg.RxLanes == 0 {
		cfg.RxLanes = opencapi.AllLanesTrained
	}

	if cfg.TxLanes == 0 {
		cfg.TxLanes = opencapi.AllLanesTrained
	}

	o := &ODL{regs: regs, sched: sched, chip: chip, brick: brick, cfg: cfg}
	regs.Watch(chip, brick.ODLConfig, o.configWritten)

	return o
}

// Trained tells if the training state machine reached the trained state.
func (o *ODL) Trained() bool {
	status := o.regs.Peek(o.chip, o.brick.ODLStatus)
	return hw.GetField(opencapi.ODLStatusTrainingSM, status) ==
		opencapi.TrainingSMTrained
}

func (o *ODL) setSM(sm uint64) {
	o.regs.Set(o.chip, o.brick.ODLStatus,
		hw.SetField(opencapi.ODLStatusTrainingSM, 0, sm))
}

func (o *ODL) configWritten(_ RegKey, old, v uint64) {
	if v&opencapi.ODLConfigReset != 0 {
		o.gen++
		o.setSM(trainingSMIdle)

		return
	}

	mode := hw.GetField(opencapi.ODLConfigTrainMode, v)
	if mode == hw.GetField(opencapi.ODLConfigTrainMode, old) {
		return
	}

	switch mode {
	case opencapi.TrainModePatternA:
		o.gen++
		o.setSM(trainingSMPattern)
	case opencapi.TrainModeFull:
		o.startTraining()
	}
}

func (o *ODL) startTraining() {
	o.gen++
	o.Attempts++
	o.setSM(trainingSMRunning)

	if o.cfg.FailAttempts < 0 || o.Attempts <= o.cfg.FailAttempts {
		return
	}

	gen := o.gen
	o.sched.Schedule(sim.NewCallbackEvent(
		o.sched.CurrentTime()+o.cfg.TrainTime,
		func() {
			if gen != o.gen {
				return
			}

			status := hw.SetField(opencapi.ODLStatusTrainingSM, 0,
				opencapi.TrainingSMTrained)
			status = hw.SetField(opencapi.ODLStatusTrainedMode, status, o.cfg.Mode)
			status = hw.SetField(opencapi.ODLStatusRxTrainedLane, status,
				uint64(o.cfg.RxLanes))
			status = hw.SetField(opencapi.ODLStatusTxTrainedLane, status,
				uint64(o.cfg.TxLanes))
			o.regs.Set(o.chip, o.brick.ODLStatus, status)
		}))
}

// InvalidateEngine models the translation cache invalidate engine of a
// brick. A request completes as soon as it is written unless the engine is
// stuck.
type InvalidateEngine struct {
	regs  *RegisterFile
	chip  uint32
	reg   uint64
	Stuck bool

	Handles []uint64
}

// NewInvalidateEngine attaches an invalidate engine model to a brick.
func NewInvalidateEngine(
	regs *RegisterFile,
	chip uint32,
	brick opencapi.BrickRegs,
) *InvalidateEngine {
	e := &InvalidateEngine{regs: regs, chip: chip, reg: brick.LLCMD}
	regs.Watch(chip, brick.LLCMD, e.written)

	return e
}

func (e *InvalidateEngine) written(_ RegKey, _, v uint64) {
	if v&opencapi.LLCMDRequest == 0 {
		return
	}

	e.Handles = append(e.Handles, v&opencapi.LLCMDHandleMax)

	if e.Stuck {
		e.regs.Set(e.chip, e.reg, v|opencapi.LLCMDBusy)
		return
	}

	e.regs.Set(e.chip, e.reg, v&^(opencapi.LLCMDRequest|opencapi.LLCMDBusy))
}
