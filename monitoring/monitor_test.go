package monitoring

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"reflect"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/pfmailbox/mailbox"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/tracing"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

var _ = Describe("Monitor", func() {
	var (
		m     *Monitor
		mbx   *mailbox.Mailbox
		trace *tracing.MemoryBackend
		srv   *httptest.Server
	)

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(srv.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())

		return rsp.StatusCode, body
	}

	post := func(path string) int {
		rsp, err := http.Post(srv.URL+path, "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		return rsp.StatusCode
	}

	BeforeEach(func() {
		pair := regfifo.NewSimPair(regfifo.DefaultSimDepth)
		mbx = mailbox.MakeBuilder().
			WithRegisters(pair.A).
			WithTickInterval(2 * time.Millisecond).
			WithLogger(log.New(io.Discard, "", 0)).
			Build("MGMT")

		trace = tracing.NewMemoryBackend(16)
		trace.Write(tracing.Record{ID: "1", Where: "MGMT.FIFO", MsgID: 1})
		trace.Write(tracing.Record{ID: "2", Where: "MGMT.TX", MsgID: 2})
		trace.Write(tracing.Record{ID: "3", Where: "MGMT.FIFO", MsgID: 2})

		m = NewMonitor()
		m.RegisterMailbox(mbx)
		m.RegisterTrace(trace)

		srv = httptest.NewServer(m.Handler())
	})

	AfterEach(func() {
		srv.Close()
		mbx.Stop()
	})

	It("should list mailboxes", func() {
		code, body := get("/api/list_mailboxes")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`["MGMT"]`))
	})

	It("should report the status of a mailbox", func() {
		mbx.Start()

		code, body := get("/api/status/MGMT")
		Expect(code).To(Equal(http.StatusOK))

		var status mailbox.Status
		Expect(json.Unmarshal(body, &status)).To(Succeed())
		Expect(status.Name).To(Equal("MGMT"))
		Expect(status.Running).To(BeTrue())
		Expect(status.SoftwareOnly).To(BeFalse())
	})

	It("should report the metrics of a mailbox", func() {
		code, body := get("/api/metrics/MGMT")
		Expect(code).To(Equal(http.StatusOK))

		var metrics mailbox.Metrics
		Expect(json.Unmarshal(body, &metrics)).To(Succeed())
		Expect(metrics.PacketsSent).To(BeZero())
	})

	It("should answer 404 for an unknown mailbox", func() {
		code, body := get("/api/status/USER")

		Expect(code).To(Equal(http.StatusNotFound))
		Expect(string(body)).To(Equal("Mailbox not found"))
	})

	It("should filter the trace", func() {
		code, body := get("/api/trace?where=MGMT.FIFO&msg_id=2")
		Expect(code).To(Equal(http.StatusOK))

		var records []tracing.Record
		Expect(json.Unmarshal(body, &records)).To(Succeed())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).To(Equal("3"))
	})

	It("should limit the trace to the latest records", func() {
		_, body := get("/api/trace?limit=2")

		var records []tracing.Record
		Expect(json.Unmarshal(body, &records)).To(Succeed())
		Expect(records).To(HaveLen(2))
		Expect(records[1].ID).To(Equal("3"))
	})

	It("should serve a trace registered while requests are served", func() {
		other := tracing.NewMemoryBackend(4)
		other.Write(tracing.Record{ID: "9", Where: "USER.RX", MsgID: 7})

		done := make(chan struct{})
		go func() {
			defer close(done)
			m.RegisterTrace(other)
		}()

		code, _ := get("/api/trace")
		Expect(code).To(Equal(http.StatusOK))
		<-done

		_, body := get("/api/trace")

		var records []tracing.Record
		Expect(json.Unmarshal(body, &records)).To(Succeed())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).To(Equal("9"))
	})

	It("should answer 404 without a trace", func() {
		m.RegisterTrace(nil)

		code, _ := get("/api/trace")

		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should refuse a malformed trace query", func() {
		code, _ := get("/api/trace?limit=many")

		Expect(code).To(Equal(http.StatusBadRequest))
	})

	It("should reset the receive guard", func() {
		mbx.Start()

		Expect(post("/api/reset_recv_guard/MGMT")).To(Equal(http.StatusOK))
		Expect(mbx.Status().RecvGuardTripped).To(BeFalse())
	})

	It("should switch interrupt mode", func() {
		mbx.Start()

		Expect(post("/api/interrupts/MGMT?enable=false")).
			To(Equal(http.StatusOK))
		Expect(mbx.Status().Interrupts).To(BeFalse())
		Expect(mbx.Status().RX.PollMode).To(BeTrue())

		Expect(post("/api/interrupts/MGMT?enable=true")).
			To(Equal(http.StatusOK))
		Expect(mbx.Status().Interrupts).To(BeTrue())
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("ping", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)

		_, body := get("/api/progress")

		var bars []ProgressBarStatus
		Expect(json.Unmarshal(body, &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(2)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)
		_, body = get("/api/progress")
		Expect(body).To(MatchJSON(`[]`))
	})

	It("should report resource usage", func() {
		code, body := get("/api/resource")

		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("memory_size"))
	})

	It("should walk fields", func() {
		s := &sampleStruct{
			field3: &sampleStruct{field1: 1},
			field4: []sampleStruct{{field2: "abc"}},
		}

		elem, err := m.walkFields(s, "field3.field1")
		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))

		elem, err = m.walkFields(s, "field4.0.field2")
		Expect(err).To(BeNil())
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should refuse fields that do not exist", func() {
		s := &sampleStruct{field4: []sampleStruct{}}

		_, err := m.walkFields(s, "nothing")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field4.3")
		Expect(err).To(HaveOccurred())

		_, err = m.walkFields(s, "field3.field1")
		Expect(err).To(HaveOccurred())
	})
})
