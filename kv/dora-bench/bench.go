package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/ngaut/log"
	"github.com/olekukonko/tablewriter"
	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap-incubator/tinydora/kv/workload/tpcb"
	"github.com/pingcap/errors"
	"golang.org/x/time/rate"
)

// parseMix reads weights like "acct_update=80,transfer=20".
func parseMix(s string) (tpcb.Mix, error) {
	var m tpcb.Mix
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		seps := strings.SplitN(pair, "=", 2)
		if len(seps) != 2 {
			return m, errors.Errorf("bad mix entry `%s`, expected format `name=weight`", pair)
		}
		w, err := strconv.Atoi(seps[1])
		if err != nil {
			return m, errors.Annotatef(err, "weight of %s", seps[0])
		}
		switch seps[0] {
		case tpcb.XctAcctUpdate:
			m.AcctUpdate = w
		case tpcb.XctTransfer:
			m.Transfer = w
		case tpcb.XctAudit:
			m.Audit = w
		case tpcb.XctInterest:
			m.Interest = w
		default:
			return m, errors.Errorf("unknown transaction type %s", seps[0])
		}
	}
	return m, m.Validate()
}

type bench struct {
	env      *dora.Env
	workload *tpcb.Workload
	mix      tpcb.Mix
	threads  int
	// Transactions per second over all clients, 0 for unlimited.
	target int
}

func newLimiter(target int) *rate.Limiter {
	if target <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(target), target)
}

// run drives the env from b.threads clients until ctx is done.
func (b *bench) run(ctx context.Context) *report {
	limiter := newLimiter(b.target)
	start := time.Now()
	reports := make([]*report, b.threads)
	var wg sync.WaitGroup
	for i := range reports {
		reports[i] = newReport()
		wg.Add(1)
		go func(rep *report, seed int64) {
			defer wg.Done()
			b.client(ctx, rep, limiter, rand.New(rand.NewSource(seed)))
		}(reports[i], start.UnixNano()+int64(i))
	}
	wg.Wait()

	total := newReport()
	for _, rep := range reports {
		total.merge(rep)
	}
	total.elapsed = time.Since(start)
	return total
}

func (b *bench) client(ctx context.Context, rep *report, limiter *rate.Limiter, r *rand.Rand) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		typ := b.mix.Pick(r)
		input, err := b.workload.Input(typ, r)
		if err != nil {
			log.Fatal(err)
		}
		res, err := b.env.Submit(typ, input)
		if err != nil {
			rep.submitErrs++
			log.Debugf("submit %s failed: %v", typ, err)
			continue
		}
		// Results always complete, the ones still running at the deadline are counted too.
		<-res.Done()
		rep.record(typ, res)
	}
}

// Latencies are recorded in microseconds up to one minute.
const maxLatencyUs = int64(time.Minute / time.Microsecond)

// report is filled by one client and merged after the run.
type report struct {
	elapsed    time.Duration
	hists      map[string]*hdrhistogram.Histogram
	decisions  map[string]map[dora.Decision]int64
	submitErrs int64
}

func newReport() *report {
	return &report{
		hists:     make(map[string]*hdrhistogram.Histogram),
		decisions: make(map[string]map[dora.Decision]int64),
	}
}

func (r *report) hist(typ string) *hdrhistogram.Histogram {
	h, ok := r.hists[typ]
	if !ok {
		h = hdrhistogram.New(1, maxLatencyUs, 3)
		r.hists[typ] = h
	}
	return h
}

func (r *report) count(typ string, d dora.Decision, n int64) {
	c, ok := r.decisions[typ]
	if !ok {
		c = make(map[dora.Decision]int64)
		r.decisions[typ] = c
	}
	c[d] += n
}

func (r *report) record(typ string, res *dora.Result) {
	r.count(typ, res.Decision(), 1)
	if res.Committed() {
		_ = r.hist(typ).RecordValue(res.Latency().Microseconds())
	}
}

func (r *report) merge(o *report) {
	for typ, h := range o.hists {
		r.hist(typ).Merge(h)
	}
	for typ, c := range o.decisions {
		for d, n := range c {
			r.count(typ, d, n)
		}
	}
	r.submitErrs += o.submitErrs
}

func (r *report) types() []string {
	types := make([]string, 0, len(r.decisions))
	for typ := range r.decisions {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

var xctHeader = []string{"Xct", "Commit", "Abort", "Deadlock", "TPS", "Avg(us)", "50th(us)", "99th(us)", "99.9th(us)", "Max(us)"}

func (r *report) rows() [][]string {
	secs := r.elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	var rows [][]string
	for _, typ := range r.types() {
		c := r.decisions[typ]
		h := r.hist(typ)
		rows = append(rows, []string{
			typ,
			strconv.FormatInt(c[dora.Commit], 10),
			strconv.FormatInt(c[dora.Abort], 10),
			strconv.FormatInt(c[dora.Deadlock], 10),
			strconv.FormatFloat(float64(c[dora.Commit])/secs, 'f', 1, 64),
			strconv.FormatInt(int64(h.Mean()), 10),
			strconv.FormatInt(h.ValueAtQuantile(50), 10),
			strconv.FormatInt(h.ValueAtQuantile(99), 10),
			strconv.FormatInt(h.ValueAtQuantile(99.9), 10),
			strconv.FormatInt(h.Max(), 10),
		})
	}
	return rows
}

var partitionHeader = []string{"Table", "Partition", "Processed", "Executed", "Input", "Waiting", "EarlyAbort", "MidAbort", "Problem", "Deadlock"}

func partitionRows(stats dora.Stats) [][]string {
	tables := make([]string, 0, len(stats.Partitions))
	for table := range stats.Partitions {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	var rows [][]string
	for _, table := range tables {
		for i, p := range stats.Partitions[table] {
			rows = append(rows, []string{
				table,
				strconv.Itoa(i),
				strconv.FormatInt(p.Processed, 10),
				strconv.FormatInt(p.Executed, 10),
				strconv.FormatInt(p.ServedInput, 10),
				strconv.FormatInt(p.ServedWaiting, 10),
				strconv.FormatInt(p.EarlyAborts, 10),
				strconv.FormatInt(p.MidAborts, 10),
				strconv.FormatInt(p.Problems, 10),
				strconv.FormatInt(p.Deadlocks, 10),
			})
		}
	}
	return rows
}

func renderTable(w io.Writer, headers []string, values [][]string) {
	if len(values) == 0 {
		return
	}
	tb := tablewriter.NewWriter(w)
	tb.SetHeader(headers)
	tb.AppendBulk(values)
	tb.Render()
}

func (r *report) print(w io.Writer, stats dora.Stats) {
	fmt.Fprintf(w, "Run finished, takes %s, %d submissions rejected\n", r.elapsed, r.submitErrs)
	renderTable(w, xctHeader, r.rows())
	renderTable(w, partitionHeader, partitionRows(stats))
}

var planHeader = []string{"Table", "Policy", "Partition", "Lower", "Upper", "CPU"}

func keyString(k dora.Key) string {
	if len(k) == 0 {
		return "-"
	}
	return k.String()
}

// printPlan prints the partitions the env would start with.
func printPlan(w io.Writer, env *dora.Env) {
	var rows [][]string
	for _, p := range env.Plan() {
		rows = append(rows, []string{
			p.Table,
			p.Policy.String(),
			strconv.Itoa(p.Index),
			keyString(p.Lower),
			keyString(p.Upper),
			strconv.Itoa(p.CPU),
		})
	}
	renderTable(w, planHeader, rows)
}
