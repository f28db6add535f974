package recording

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/miretskiy/pistongas/simulator"
)

var _ = Describe("SQLiteTraceWriter", func() {
	var (
		dir    string
		path   string
		writer *SQLiteTraceWriter
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "trace.sqlite3")
		writer = NewSQLiteTraceWriter(path)
	})

	AfterEach(func() {
		Expect(writer.Close()).To(Succeed())
	})

	It("should create the tables", func() {
		Expect(writer.Init()).To(Succeed())

		var name string
		err := writer.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name='collisions'").Scan(&name)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("collisions"))
	})

	It("should refuse to overwrite an existing file", func() {
		Expect(os.WriteFile(path, []byte("x"), 0o644)).To(Succeed())

		err := writer.Init()
		Expect(err).To(MatchError(ContainSubstring("already exists")))
	})

	It("should buffer until flushed", func() {
		Expect(writer.Init()).To(Succeed())

		writer.Write(simulator.CollisionEvent{Step: 1, Time: 0.1, Dt: 0.1, Type: simulator.EventTypeFloor})

		events, err := ReadCollisions(path, writer.RunID())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())

		Expect(writer.Flush()).To(Succeed())

		events, err = ReadCollisions(path, writer.RunID())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("should flush when the batch is full", func() {
		Expect(writer.WithBatchSize(2).Init()).To(Succeed())

		writer.Write(simulator.CollisionEvent{Step: 1, Type: simulator.EventTypeFloor})
		writer.Write(simulator.CollisionEvent{Step: 2, Type: simulator.EventTypePiston})
		writer.Write(simulator.CollisionEvent{Step: 3, Type: simulator.EventTypeFloor})
		Expect(writer.Err()).NotTo(HaveOccurred())

		events, err := ReadCollisions(path, writer.RunID())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[1].Type).To(Equal(simulator.EventTypePiston))
	})

	It("should stop buffering after a failed flush", func() {
		Expect(writer.WithBatchSize(2).Init()).To(Succeed())
		_, err := writer.Exec("DROP TABLE collisions")
		Expect(err).NotTo(HaveOccurred())

		for i := 1; i <= 1000; i++ {
			writer.Write(simulator.CollisionEvent{Step: i, Type: simulator.EventTypeFloor})
			Expect(len(writer.pending)).To(BeNumerically("<=", 2))
		}
		Expect(writer.Err()).To(MatchError(ContainSubstring("no such table")))
		Expect(writer.Err()).To(MatchError(ContainSubstring("inserting collision 1:")))
		Expect(writer.pending).To(BeEmpty())
	})

	It("should record a whole run through the collision hook", func() {
		Expect(writer.Init()).To(Succeed())

		config := simulator.DefaultConfig()
		config.NumParticles = 10
		config.MaxTime = 0.5
		config.RandomSeed = 99
		Expect(writer.RecordRun(config)).To(Succeed())

		sim, err := simulator.NewSimulator(config)
		Expect(err).NotTo(HaveOccurred())

		var seen []simulator.CollisionEvent
		sim.OnCollision = func(ev simulator.CollisionEvent) {
			seen = append(seen, ev)
			writer.Write(ev)
		}

		res, err := sim.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Flush()).To(Succeed())

		events, err := ReadCollisions(path, writer.RunID())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(res.Collisions))
		Expect(events).To(Equal(seen))

		var stored string
		err = writer.QueryRow("SELECT config FROM runs WHERE id = ?", writer.RunID()).Scan(&stored)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(ContainSubstring(`"numParticles":10`))
	})

	It("should pick a unique default file name", func() {
		Expect(writer.Close()).To(Succeed())

		wd, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(dir)).To(Succeed())
		DeferCleanup(os.Chdir, wd)

		writer = NewSQLiteTraceWriter("")
		Expect(writer.Init()).To(Succeed())
		Expect(writer.Path()).To(Equal("pistongas_trace_" + writer.RunID() + ".sqlite3"))
		Expect(filepath.Join(dir, writer.Path())).To(BeAnExistingFile())
	})
})
