package platform_test

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/slotreset/i2c"
	"github.com/sarchlab/slotreset/opencapi"
	"github.com/sarchlab/slotreset/platform"
	"github.com/sarchlab/slotreset/sim"
)

var _ = Describe("Config", func() {
	It("should parse the built-in description", func() {
		cfg := platform.Default()

		Expect(cfg.Slots).To(HaveLen(4))
		Expect(cfg.Bricks).To(HaveLen(3))
		Expect(cfg.Slots[0].Card.TrainTime.VTime()).To(Equal(120 * sim.Millisecond))
		Expect(cfg.Slots[1].BDFN).To(Equal(uint16(8)))
		Expect(cfg.Shared[0].Slots).To(Equal([2]string{"SLOT0", "SLOT1"}))
		Expect(cfg.I2CLatency.VTime()).To(Equal(100 * sim.Microsecond))
	})

	It("should load a file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "p.yaml")
		Expect(os.WriteFile(path, []byte(`
name: tiny
pcie_slots:
  - id: A
    card: {present: true, train_time: 1ms}
`), 0o600)).To(Succeed())

		cfg, err := platform.Load(path)

		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Name).To(Equal("tiny"))
		Expect(cfg.Slots[0].Card.TrainTime.VTime()).To(Equal(sim.Millisecond))
	})

	DescribeTable("should reject broken descriptions",
		func(doc string) {
			_, err := platform.Parse([]byte(doc))
			Expect(err).To(HaveOccurred())
		},
		Entry("duplicate ids", `
pcie_slots: [{id: A}]
bricks: [{id: A, brick: 2}]`),
		Entry("missing id", `pcie_slots: [{chip: 1}]`),
		Entry("bad port type", `pcie_slots: [{id: A, port_type: bridge}]`),
		Entry("brick out of range", `bricks: [{id: B, brick: 0}]`),
		Entry("unknown shared slot", `
pcie_slots: [{id: A}]
shared_lanes: [{slots: [A, Z]}]`),
		Entry("unknown quirk slot", `quirks: [{slot: Q}]`),
		Entry("bad duration", `pcie_slots: [{id: A, card: {train_time: soon}}]`),
	)

	It("should flag invalid descriptions with a sentinel", func() {
		_, err := platform.Parse([]byte(`pcie_slots: [{id: A}, {id: A}]`))
		Expect(errors.Is(err, platform.ErrInvalidConfig)).To(BeTrue())
	})
})

var _ = Describe("QuirkTable", func() {
	It("should fall back to the default wiring", func() {
		t := platform.NewQuirkTable(nil)

		Expect(t.Sideband("X", 3)).To(Equal(
			opencapi.DefaultSideband(i2c.BusID{Chip: 3, Engine: 1, Port: 4})))
	})

	It("should resolve per-slot overrides", func() {
		t := platform.NewQuirkTable(platform.Default().Quirks)

		sb := t.Sideband("OCAPI1", 0)

		Expect(sb.PresenceMask).To(Equal(uint8(0x04)))
		Expect(sb.Timeout).To(Equal(120 * sim.Millisecond))
		Expect(sb.Offsets).To(Equal([3]uint8{3, 1, 1}))
	})
})
