// Package monitoring serves the state of heaps and PCIe controllers over
// HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/tegrahost/mem/cma"
	"github.com/sarchlab/tegrahost/pcie"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Monitor turns a set of heaps and controllers into a server that can be
// inspected while they run.
type Monitor struct {
	portNumber   int
	profileTime  time.Duration
	heaps        []*cma.Heap
	controllers  []*pcie.Controller
	progressLock sync.Mutex
	progressBars []*ProgressBar
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{profileTime: time.Second}
}

// WithPortNumber sets the port number of the monitor.
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

// WithProfileTime sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileTime(d time.Duration) *Monitor {
	m.profileTime = d
	return m
}

// RegisterHeap registers a heap to be monitored.
func (m *Monitor) RegisterHeap(h *cma.Heap) {
	m.heaps = append(m.heaps, h)
}

// RegisterController registers a PCIe controller to be monitored.
func (m *Monitor) RegisterController(c *pcie.Controller) {
	m.controllers = append(m.controllers, c)
}

// Router returns the handler of the monitoring API.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/heaps", m.listHeaps)
	r.HandleFunc("/api/heap/{name}", m.heapDetails)
	r.HandleFunc("/api/controllers", m.listControllers)
	r.HandleFunc("/api/controller/{name}", m.controllerDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring with %s\n", url)

	handler := m.Router()

	go func() {
		err := http.Serve(listener, handler)
		dieOnErr(err)
	}()

	return url, nil
}

func (m *Monitor) listHeaps(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.heaps))
	for _, h := range m.heaps {
		names = append(names, h.Name())
	}

	writeJSON(w, names)
}

type heapRsp struct {
	Name        string           `json:"name"`
	Stats       heapStats        `json:"stats"`
	Allocations []allocationInfo `json:"allocations"`
}

type heapStats struct {
	Base           uint64 `json:"base"`
	CurrBase       uint64 `json:"curr_base"`
	Used           uint64 `json:"used"`
	CapacityActive uint64 `json:"capacity_active"`
	CapacityMax    uint64 `json:"capacity_max"`
	Floor          uint64 `json:"floor"`
	NumChunks      int    `json:"num_chunks"`
	ActiveChunks   int    `json:"active_chunks"`
	Allocations    int    `json:"allocations"`
}

type allocationInfo struct {
	ID   string `json:"id"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

func (m *Monitor) heapDetails(w http.ResponseWriter, r *http.Request) {
	h := m.findHeapOr404(w, mux.Vars(r)["name"])
	if h == nil {
		return
	}

	writeJSON(w, heapSnapshot(h))
}

// heapSnapshot copies the heap state through its locked accessors.
func heapSnapshot(h *cma.Heap) heapRsp {
	s := h.Stats()
	rsp := heapRsp{
		Name: h.Name(),
		Stats: heapStats{
			Base:           s.Base,
			CurrBase:       s.CurrBase,
			Used:           s.Used,
			CapacityActive: s.CapacityActive,
			CapacityMax:    s.CapacityMax,
			Floor:          s.Floor,
			NumChunks:      s.NumChunks,
			ActiveChunks:   s.ActiveChunks,
			Allocations:    s.Allocations,
		},
		Allocations: []allocationInfo{},
	}

	for _, a := range h.Allocations() {
		rsp.Allocations = append(rsp.Allocations, allocationInfo{
			ID:   a.ID,
			Addr: a.Addr,
			Size: a.Size,
		})
	}

	return rsp
}

func (m *Monitor) listControllers(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.controllers))
	for _, c := range m.controllers {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

type controllerRsp struct {
	Name       string     `json:"name"`
	Generation string     `json:"generation"`
	Power      string     `json:"power"`
	Attached   bool       `json:"attached"`
	Ports      []portInfo `json:"ports"`
}

type portInfo struct {
	Index       int    `json:"index"`
	Lanes       int    `json:"lanes"`
	Width       int    `json:"width"`
	Speed       int    `json:"speed"`
	State       string `json:"state"`
	ResetCycles int    `json:"reset_cycles"`
	Err         string `json:"err,omitempty"`
}

func (m *Monitor) controllerDetails(w http.ResponseWriter, r *http.Request) {
	c := m.findControllerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	writeJSON(w, controllerSnapshot(c))
}

func controllerSnapshot(c *pcie.Controller) controllerRsp {
	rsp := controllerRsp{
		Name:       c.Name(),
		Generation: c.Profile().Generation.String(),
		Power:      c.PowerState().String(),
		Attached:   c.Attached(),
	}

	for _, p := range c.Ports() {
		rsp.Ports = append(rsp.Ports, portInfo{
			Index:       p.Index,
			Lanes:       p.Lanes,
			Width:       p.Width,
			Speed:       p.Speed,
			State:       p.State.String(),
			ResetCycles: p.ResetCycles,
			Err:         p.Err,
		})
	}

	return rsp
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comp := m.findComponent(req.CompName)
	if comp == nil {
		http.Error(w, "Component not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(comp)
	serializer.SetMaxDepth(1)

	if req.FieldName != "" {
		err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

// findComponent returns a snapshot of the named heap or controller. The live
// objects are never walked, as their owners keep mutating them.
func (m *Monitor) findComponent(name string) any {
	for _, h := range m.heaps {
		if h.Name() == name {
			return heapSnapshot(h)
		}
	}

	for _, c := range m.controllers {
		if c.Name() == name {
			return controllerSnapshot(c)
		}
	}

	return nil
}

func (m *Monitor) findHeapOr404(w http.ResponseWriter, name string) *cma.Heap {
	for _, h := range m.heaps {
		if h.Name() == name {
			return h
		}
	}

	http.Error(w, "Heap not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) findControllerOr404(
	w http.ResponseWriter,
	name string,
) *pcie.Controller {
	for _, c := range m.controllers {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Controller not found", http.StatusNotFound)

	return nil
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
		http.Error(w, err.Error(), http.StatusConflict)
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
