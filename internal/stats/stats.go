package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const mapName = "roomchat-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterGauge(name string, fn func() int)
	Run()
}

// StatsUpdater publishes counters under the roomchat-stats expvar map.
// Updates are applied by a single goroutine started by Run.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int64
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater registers GET /debug/vars on mux. The expvar map is
// process global, so only one updater may be created per process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := newStatsUpdater(expvar.NewMap(mapName))
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	return su
}

func newStatsUpdater(vars *expvar.Map) *StatsUpdater {
	su := &StatsUpdater{
		vars:       vars,
		updateChan: make(chan *metricsUpdateReq, 512),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			panic("metric not found: " + req.name)
		}

		metric.Add(req.value)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// RegisterGauge publishes a value computed on every read, such as the
// number of users online.
func (su *StatsUpdater) RegisterGauge(name string, fn func() int) {
	su.vars.Set(name, expvar.Func(func() any { return fn() }))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
