// Package hwsim provides simulated hardware for driving reset sequences
// without a real machine: a register file, link training models and an I2C
// bus.
package hwsim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/slotreset/hw"
)

// RegKey identifies a register in the register file.
type RegKey struct {
	Chip   uint32
	Offset uint64
}

// Access is one recorded register access.
type Access struct {
	Write  bool
	Key    RegKey
	Value  uint64
	Failed bool
}

// A Watcher is called after a register is written. Watchers may read and
// write the register file.
type Watcher func(key RegKey, old, new uint64)

// RegisterFile is a sparse, thread-safe register file. Registers that were
// never written read as zero unless the file is strict.
type RegisterFile struct {
	lock     sync.Mutex
	regs     map[RegKey]uint64
	writes   map[RegKey]int
	reads    map[RegKey]int
	failures map[RegKey]error
	watchers map[RegKey][]Watcher
	log      []Access
	strict   bool
}

// NewRegisterFile creates an empty register file.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{
		regs:     make(map[RegKey]uint64),
		writes:   make(map[RegKey]int),
		reads:    make(map[RegKey]int),
		failures: make(map[RegKey]error),
		watchers: make(map[RegKey][]Watcher),
	}
}

// Strict makes reads of never-set registers fail with hw.ErrNoRegister.
func (f *RegisterFile) Strict() *RegisterFile {
	f.strict = true
	return f
}

// Read implements hw.RegisterAccessor.
func (f *RegisterFile) Read(chip uint32, offset uint64) (uint64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	key := RegKey{chip, offset}
	f.reads[key]++

	if err, ok := f.failures[key]; ok {
		f.log = append(f.log, Access{Key: key, Failed: true})
		return 0, err
	}

	v, ok := f.regs[key]
	if !ok && f.strict {
		return 0, errors.Wrapf(hw.ErrNoRegister,
			"chip %d offset %#x", chip, offset)
	}

	f.log = append(f.log, Access{Key: key, Value: v})

	return v, nil
}

// Write implements hw.RegisterAccessor.
func (f *RegisterFile) Write(chip uint32, offset uint64, value uint64) error {
	key := RegKey{chip, offset}

	f.lock.Lock()
	if err, ok := f.failures[key]; ok {
		f.log = append(f.log, Access{Write: true, Key: key, Value: value, Failed: true})
		f.lock.Unlock()

		return err
	}

	old := f.regs[key]
	f.regs[key] = value
	f.writes[key]++
	f.log = append(f.log, Access{Write: true, Key: key, Value: value})
	watchers := f.watchers[key]
	f.lock.Unlock()

	for _, w := range watchers {
		w(key, old, value)
	}

	return nil
}

// Set changes a register without counting it as an access and without
// triggering watchers. It models hardware changing its own state.
func (f *RegisterFile) Set(chip uint32, offset uint64, value uint64) {
	f.lock.Lock()
	f.regs[RegKey{chip, offset}] = value
	f.lock.Unlock()
}

// Update applies fn to a register like Set does.
func (f *RegisterFile) Update(chip uint32, offset uint64, fn func(uint64) uint64) {
	f.lock.Lock()
	key := RegKey{chip, offset}
	f.regs[key] = fn(f.regs[key])
	f.lock.Unlock()
}

// Peek returns a register value without counting it as an access.
func (f *RegisterFile) Peek(chip uint32, offset uint64) uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.regs[RegKey{chip, offset}]
}

// Watch registers a watcher on one register.
func (f *RegisterFile) Watch(chip uint32, offset uint64, w Watcher) {
	f.lock.Lock()
	key := RegKey{chip, offset}
	f.watchers[key] = append(f.watchers[key], w)
	f.lock.Unlock()
}

// FailAccess makes every access to a register fail with err. A nil err
// removes the failure.
func (f *RegisterFile) FailAccess(chip uint32, offset uint64, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	key := RegKey{chip, offset}
	if err == nil {
		delete(f.failures, key)
		return
	}

	f.failures[key] = err
}

// WriteCount returns how many times a register was written.
func (f *RegisterFile) WriteCount(chip uint32, offset uint64) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.writes[RegKey{chip, offset}]
}

// ReadCount returns how many times a register was read.
func (f *RegisterFile) ReadCount(chip uint32, offset uint64) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.reads[RegKey{chip, offset}]
}

// TotalWrites returns the number of successful writes to any register.
func (f *RegisterFile) TotalWrites() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	n := 0
	for _, c := range f.writes {
		n += c
	}

	return n
}

// Log returns a copy of the access log.
func (f *RegisterFile) Log() []Access {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]Access(nil), f.log...)
}

// ResetLog clears the access log and counters.
func (f *RegisterFile) ResetLog() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.log = nil
	f.writes = make(map[RegKey]int)
	f.reads = make(map[RegKey]int)
}
