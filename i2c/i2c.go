// Package i2c describes the sideband bus used to drive adapter reset lines
// and presence pins.
package i2c

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/sim"
)

// Errors reported through request completions.
var (
	ErrTimeout = errors.New("i2c request timed out")
	ErrNack    = errors.New("i2c device did not acknowledge")
)

// Op is an SMBus transaction type.
type Op int

// The SMBus operations the reset engine uses.
const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// BusID identifies one I2C master port.
type BusID struct {
	Chip   uint32 `yaml:"chip" json:"chip"`
	Engine uint32 `yaml:"engine" json:"engine"`
	Port   uint32 `yaml:"port" json:"port"`
}

func (b BusID) String() string {
	return fmt.Sprintf("p%d_e%dp%d", b.Chip, b.Engine, b.Port)
}

// A Completion is called exactly once when a request finishes. A nil error
// means success.
type Completion func(req *Request, err error)

// Request is one register-level SMBus transaction.
type Request struct {
	ID       string
	Bus      BusID
	Addr     uint8
	Op       Op
	Register uint8
	Data     []byte
	Timeout  sim.VTimeInNs

	Done Completion
}

// NewWrite creates a single-byte register write.
func NewWrite(
	bus BusID,
	addr uint8,
	register uint8,
	value uint8,
	timeout sim.VTimeInNs,
) *Request {
	return &Request{
		ID:       sim.GetIDGenerator().Generate(),
		Bus:      bus,
		Addr:     addr,
		Op:       OpWrite,
		Register: register,
		Data:     []byte{value},
		Timeout:  timeout,
	}
}

// NewRead creates a single-byte register read.
func NewRead(
	bus BusID,
	addr uint8,
	register uint8,
	timeout sim.VTimeInNs,
) *Request {
	return &Request{
		ID:       sim.GetIDGenerator().Generate(),
		Bus:      bus,
		Addr:     addr,
		Op:       OpRead,
		Register: register,
		Data:     make([]byte, 1),
		Timeout:  timeout,
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s addr %#x reg %#x", r.Bus, r.Op, r.Addr, r.Register)
}

// A Bus accepts requests and completes them asynchronously.
type Bus interface {
	// Queue accepts a request. An error means the request was not accepted
	// and its completion will never run.
	Queue(req *Request) error
}

// A Poller services outstanding completions for a caller that waits in
// place.
type Poller interface {
	Poll()
}

// syncPollInterval is how long SendSync sleeps between polls.
const syncPollInterval = 10 * sim.Microsecond

// SendSync queues a request and waits for its completion by sleeping the
// clock and polling the bus. It gives up after the request timeout. It must
// only be used before the engine runs.
func SendSync(bus Bus, poller Poller, clock sim.Clock, req *Request) error {
	var (
		done   bool
		result error
	)

	userDone := req.Done
	req.Done = func(r *Request, err error) {
		done = true
		result = err

		if userDone != nil {
			userDone(r, err)
		}
	}

	err := bus.Queue(req)
	if err != nil {
		return errors.Wrapf(err, "queue %s", req)
	}

	start := clock.CurrentTime()
	for {
		poller.Poll()

		if done {
			return result
		}

		if clock.CurrentTime()-start >= req.Timeout {
			return errors.Wrapf(ErrTimeout, "%s after %s", req, req.Timeout)
		}

		clock.Sleep(syncPollInterval)
	}
}

// A Sequence issues requests one after another, stopping at the first
// failure. The done callback receives the first error or nil.
type Sequence struct {
	bus  Bus
	reqs []*Request
	done func(err error)
}

// NewSequence creates a sequence of requests on one bus.
func NewSequence(bus Bus, done func(err error), reqs ...*Request) *Sequence {
	return &Sequence{bus: bus, reqs: reqs, done: done}
}

// Start queues the first request of the sequence.
func (s *Sequence) Start() {
	s.issue(0)
}

func (s *Sequence) issue(i int) {
	if i >= len(s.reqs) {
		s.done(nil)
		return
	}

	req := s.reqs[i]
	req.Done = func(_ *Request, err error) {
		if err != nil {
			s.done(err)
			return
		}

		s.issue(i + 1)
	}

	err := s.bus.Queue(req)
	if err != nil {
		s.done(errors.Wrapf(err, "queue %s", req))
	}
}
