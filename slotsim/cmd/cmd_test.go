package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/slotreset/slotsim/cmd"
)

func execute(args ...string) (string, error) {
	out := &bytes.Buffer{}

	root := cmd.NewRootCmd()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--env-file", ""}, args...))

	err := root.Execute()

	return out.String(), err
}

var _ = Describe("slotsim", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("check", func() {
		It("should summarize the built-in platform", func() {
			out, err := execute("check")

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(
				"witherspoon-sim: 4 PCIe slots, 3 OpenCAPI bricks, 1 shared lane pairs"))
		})

		It("should probe presence", func() {
			out, err := execute("check", "--probe")

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("OCAPI0\topencapi\tpresent=true"))
			Expect(out).To(ContainSubstring("OCAPI2\topencapi\tpresent=false"))
			Expect(out).To(ContainSubstring("SLOT3\tpcie\tpresent=false"))
		})

		It("should reject a broken description", func() {
			path := filepath.Join(dir, "broken.yaml")
			Expect(os.WriteFile(path, []byte("pcie_slots: [{chip: 0}]\n"), 0o644)).
				To(Succeed())

			_, err := execute("check", "--platform", path)

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("run", func() {
		It("should run the selected slots", func() {
			out, err := execute("run", "--slot", "OCAPI0", "--slot", "SLOT3",
				"--op", "freset", "--op", "hreset")

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("OCAPI0 does not support hreset, skipped"))
			Expect(out).To(MatchRegexp(`OCAPI0\s+freset\s+success`))
			Expect(out).To(MatchRegexp(`SLOT3\s+freset\s+success`))
		})

		It("should fail on unknown operations and slots", func() {
			_, err := execute("run", "--op", "dance")
			Expect(err).To(HaveOccurred())

			_, err = execute("run", "--slot", "NOPE")
			Expect(err).To(HaveOccurred())
		})

		It("should report failed operations", func() {
			path := filepath.Join(dir, "stuck.yaml")
			Expect(os.WriteFile(path, []byte(`
name: stuck
pcie_slots:
  - id: S
    ecap: 0x40
    dl_active_reporting: true
    card: {present: true, never_trains: true}
`), 0o644)).To(Succeed())

			out, err := execute("run", "--platform", path, "--op", "poll_link")

			Expect(err).To(MatchError(cmd.ErrOperationsFailed))
			Expect(out).To(MatchRegexp(`S\s+poll_link\s+hardware-failure`))
		})

		It("should record into a database", func() {
			db := filepath.Join(dir, "run")

			_, err := execute("run", "--slot", "OCAPI1", "--db", db,
				"--transitions")

			Expect(err).NotTo(HaveOccurred())
			Expect(filepath.Join(dir, "run.sqlite3")).To(BeAnExistingFile())
		})
	})

	Describe("environment", func() {
		It("should take flags from the environment", func() {
			GinkgoT().Setenv("SLOTSIM_LOG_LEVEL", "loud")

			_, err := execute("check")

			Expect(err).To(MatchError(ContainSubstring("unknown log level")))
		})

		It("should prefer flags over the environment", func() {
			GinkgoT().Setenv("SLOTSIM_LOG_LEVEL", "loud")

			_, err := execute("check", "--log-level", "debug")

			Expect(err).NotTo(HaveOccurred())
		})

		It("should load an env file", func() {
			GinkgoT().Setenv("SLOTSIM_PLATFORM", "")
			Expect(os.Unsetenv("SLOTSIM_PLATFORM")).To(Succeed())
			DeferCleanup(os.Unsetenv, "SLOTSIM_PLATFORM")

			env := filepath.Join(dir, "test.env")
			Expect(os.WriteFile(env,
				[]byte("SLOTSIM_PLATFORM="+filepath.Join(dir, "missing.yaml")+"\n"),
				0o644)).To(Succeed())

			root := cmd.NewRootCmd()
			root.SetOut(&bytes.Buffer{})
			root.SetArgs([]string{"--env-file", env, "check"})

			Expect(root.Execute()).To(HaveOccurred())
		})
	})
})
