// Package monitoring serves an HTTP API over a running platform: engine
// control, slot inspection, operation triggers and process resources.
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
	"time"

	"github.com/go-logr/logr"
	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/slotreset/platform"
	"github.com/sarchlab/slotreset/slot"
)

// Monitor turns a platform into a server that can be inspected and driven
// from outside.
type Monitor struct {
	platform    *platform.Platform
	gatherer    prometheus.Gatherer
	portNumber  int
	profileTime time.Duration
	log         logr.Logger
}

// NewMonitor creates a monitor over a platform.
func NewMonitor(p *platform.Platform) *Monitor {
	return &Monitor{
		platform:    p,
		profileTime: time.Second,
		log:         logr.Discard(),
	}
}

// WithPortNumber sets the port number of the monitor. Privileged ports are
// replaced by a random one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithGatherer exposes the metrics of a registry under /metrics.
func (m *Monitor) WithGatherer(g prometheus.Gatherer) *Monitor {
	m.gatherer = g
	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(l logr.Logger) *Monitor {
	m.log = l
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileTime = d
	return m
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/run", m.run)
	r.HandleFunc("/api/slots", m.listSlots)
	r.HandleFunc("/api/slot/{id}", m.slotDetails)
	r.HandleFunc("/api/slot/{id}/field/{path}", m.slotField)
	r.HandleFunc("/api/slot/{id}/{operation}", m.trigger).Methods(http.MethodPost)
	r.HandleFunc("/api/outcomes", m.listOutcomes)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	if m.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// StartServer serves the monitor in the background and returns its URL.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", errors.Wrap(err, "monitor listen")
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.log.Info("monitoring platform", "url", url)

	go func() {
		err := http.Serve(listener, m.Router())
		dieOnErr(err)
	}()

	return url, nil
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.platform.Engine.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.platform.Engine.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

type nowRsp struct {
	NowNs   uint64 `json:"now_ns"`
	Display string `json:"now"`
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := m.platform.Engine.CurrentTime()
	writeJSON(w, nowRsp{NowNs: uint64(now), Display: now.String()})
}

func (m *Monitor) run(w http.ResponseWriter, _ *http.Request) {
	go func() {
		err := m.platform.Run()
		if err != nil {
			m.log.Error(err, "engine stopped")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

type slotRsp struct {
	ID        string `json:"id"`
	Variant   string `json:"variant"`
	State     string `json:"state"`
	Operation string `json:"operation"`
	Busy      bool   `json:"busy"`
	Power     string `json:"power"`
	Present   *bool  `json:"present,omitempty"`
	LinkWidth uint32 `json:"link_width"`
	Peer      string `json:"peer,omitempty"`
}

func summarize(s *slot.Slot) slotRsp {
	rsp := slotRsp{
		ID:        s.ID,
		Variant:   s.Variant(),
		State:     s.StateName(),
		Operation: s.Operation().String(),
		Busy:      s.Busy(),
		Power:     s.PowerState.String(),
	}

	if present, err := s.Presence(); err == nil {
		rsp.Present = &present
	}

	if width, err := s.LinkWidth(); err == nil {
		rsp.LinkWidth = width
	}

	if s.Peer != nil {
		rsp.Peer = s.Peer.ID
	}

	return rsp
}

func (m *Monitor) listSlots(w http.ResponseWriter, _ *http.Request) {
	slots := m.platform.Driver.Slots()

	rsp := make([]slotRsp, 0, len(slots))
	for _, s := range slots {
		rsp = append(rsp, summarize(s))
	}

	writeJSON(w, rsp)
}

func (m *Monitor) findSlotOr404(w http.ResponseWriter, id string) *slot.Slot {
	s, err := m.platform.Driver.Slot(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, err = w.Write([]byte("Slot not found"))
		dieOnErr(err)

		return nil
	}

	return s
}

func (m *Monitor) slotDetails(w http.ResponseWriter, r *http.Request) {
	s := m.findSlotOr404(w, mux.Vars(r)["id"])
	if s == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(s)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) slotField(w http.ResponseWriter, r *http.Request) {
	s := m.findSlotOr404(w, mux.Vars(r)["id"])
	if s == nil {
		return
	}

	path := mux.Vars(r)["path"]

	_, err := walkFields(s, path)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(s)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(path, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) trigger(w http.ResponseWriter, r *http.Request) {
	s := m.findSlotOr404(w, mux.Vars(r)["id"])
	if s == nil {
		return
	}

	op, err := slot.ParseOperation(mux.Vars(r)["operation"])
	if err == nil {
		err = m.platform.Driver.TriggerNow(s.ID, op)
	}

	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (m *Monitor) listOutcomes(w http.ResponseWriter, _ *http.Request) {
	outcomes := m.platform.Driver.Outcomes()
	if outcomes == nil {
		outcomes = []platform.Outcome{}
	}

	writeJSON(w, outcomes)
}

type fieldFormatError struct {
	field string
}

func (e fieldFormatError) Error() string {
	return "cannot follow field " + e.field
}

// walkFields follows a dotted path of field names and slice indices.
func walkFields(root any, fields string) (reflect.Value, error) {
	elem := reflect.ValueOf(root)

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

	time.Sleep(m.profileTime)

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
