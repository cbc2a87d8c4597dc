// Package monitoring serves the state of running mailboxes over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/mailbox"
	"github.com/sarchlab/pfmailbox/tracing"
)

// Monitor turns a process running mailboxes into a server that reports their
// state and lets an operator poke at them.
type Monitor struct {
	mu         sync.Mutex
	mailboxes  []*mailbox.Mailbox
	trace      *tracing.MemoryBackend
	portNumber int
	ids        idgen.TraceIDGenerator

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		ids: idgen.NewTraceIDGenerator(false),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterMailbox registers a mailbox to be monitored.
func (m *Monitor) RegisterMailbox(mbx *mailbox.Mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mailboxes = append(m.mailboxes, mbx)
}

// RegisterTrace sets the trace served by /api/trace.
func (m *Monitor) RegisterTrace(trace *tracing.MemoryBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trace = trace
}

func (m *Monitor) registeredTrace() *tracing.MemoryBackend {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.trace
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the list.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_mailboxes", m.listMailboxes)
	r.HandleFunc("/api/mailbox/{name}", m.listMailboxDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/status/{name}", m.status)
	r.HandleFunc("/api/metrics/{name}", m.metrics)
	r.HandleFunc("/api/reset_recv_guard/{name}", m.resetRecvGuard).
		Methods(http.MethodPost)
	r.HandleFunc("/api/interrupts/{name}", m.setInterrupts).
		Methods(http.MethodPost)
	r.HandleFunc("/api/trace", m.listTrace)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(os.Stderr,
		"Monitoring mailboxes with http://localhost:%d/api/list_mailboxes\n",
		port)

	go func() {
		err := http.Serve(listener, m.Handler())
		dieOnErr(err)
	}()

	return port
}

func (m *Monitor) listMailboxes(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	names := make([]string, 0, len(m.mailboxes))
	for _, mbx := range m.mailboxes {
		names = append(names, mbx.Name())
	}
	m.mu.Unlock()

	writeJSON(w, names)
}

func (m *Monitor) listMailboxDetails(w http.ResponseWriter, r *http.Request) {
	mbx := m.findMailboxOr404(w, mux.Vars(r)["name"])
	if mbx == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(mbx)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	MailboxName string `json:"mailbox_name,omitempty"`
	FieldName   string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	mbx := m.findMailboxOr404(w, req.MailboxName)
	if mbx == nil {
		return
	}

	if _, err := m.walkFields(mbx, req.FieldName); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(mbx)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) status(w http.ResponseWriter, r *http.Request) {
	mbx := m.findMailboxOr404(w, mux.Vars(r)["name"])
	if mbx == nil {
		return
	}

	writeJSON(w, mbx.Status())
}

func (m *Monitor) metrics(w http.ResponseWriter, r *http.Request) {
	mbx := m.findMailboxOr404(w, mux.Vars(r)["name"])
	if mbx == nil {
		return
	}

	writeJSON(w, mbx.Metrics())
}

func (m *Monitor) resetRecvGuard(w http.ResponseWriter, r *http.Request) {
	mbx := m.findMailboxOr404(w, mux.Vars(r)["name"])
	if mbx == nil {
		return
	}

	mbx.ResetRecvGuard()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) setInterrupts(w http.ResponseWriter, r *http.Request) {
	mbx := m.findMailboxOr404(w, mux.Vars(r)["name"])
	if mbx == nil {
		return
	}

	enable, err := strconv.ParseBool(r.URL.Query().Get("enable"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	if !enable {
		mbx.DisableInterrupts()
		w.WriteHeader(http.StatusOK)

		return
	}

	if err := mbx.EnableInterrupts(); err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) listTrace(w http.ResponseWriter, r *http.Request) {
	trace := m.registeredTrace()
	if trace == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Tracing is not enabled"))
		dieOnErr(err)

		return
	}

	filter, limit, err := traceParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	records := trace.Records(filter)
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	if records == nil {
		records = []tracing.Record{}
	}

	writeJSON(w, records)
}

func traceParseParams(r *http.Request) (tracing.RecordFilter, int, error) {
	q := r.URL.Query()

	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, 0, err
		}

		limit = n
	}

	where := q.Get("where")

	var msgID uint64
	if s := q.Get("msg_id"); s != "" {
		id, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, 0, err
		}

		msgID = id
	}

	filter := func(rec tracing.Record) bool {
		if msgID != 0 && rec.MsgID != msgID {
			return false
		}

		return where == "" || rec.Where == where
	}

	return filter, limit, nil
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return "invalid field " + e.field
}

// walkFields checks that a dotted field path exists under comp.
func (m *Monitor) walkFields(
	comp interface{},
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(comp)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			if elem.IsNil() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = elem.Elem()
		case reflect.Struct:
			elem = elem.FieldByName(fieldNames[0])
			if !elem.IsValid() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{fieldNames[0]}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{fieldNames[0]}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findMailboxOr404(
	w http.ResponseWriter,
	name string,
) *mailbox.Mailbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mbx := range m.mailboxes {
		if mbx.Name() == name {
			return mbx
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Mailbox not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]ProgressBarStatus, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.Snapshot())
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
