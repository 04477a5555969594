package sim

import (
	"github.com/rs/xid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("IDGenerator", func() {
	It("should count up sequentially", func() {
		g := &sequentialIDGenerator{}

		Expect(g.Generate()).To(Equal("1"))
		Expect(g.Generate()).To(Equal("2"))
	})

	It("should generate unique xids in parallel mode", func() {
		g := parallelIDGenerator{}

		a, b := g.Generate(), g.Generate()

		Expect(a).NotTo(Equal(b))
		_, err := xid.FromString(a)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should refuse to switch after first use", func() {
		GetIDGenerator()

		Expect(UseParallelIDGenerator).To(Panic())
	})
})
