// Package scheduler posts a periodic status digest of the running feed.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/robfig/cron/v3"

	"kline-recorder/internal/feed"
	"kline-recorder/internal/notification"
)

// DefaultSpec fires at the top of every hour (seconds field first).
const DefaultSpec = "0 0 * * * *"

// StatsFunc returns the current feed snapshot.
type StatsFunc func() feed.Stats

// Digest reports feed health to the logs channel on a cron schedule.
type Digest struct {
	Cron     *cron.Cron
	symbol   string
	interval string
	stats    StatsFunc
	notifier notification.Notifier
	loc      *time.Location

	lastInserted int64
}

// NewDigest creates a digest for symbol/interval. loc formats timestamps; nil means time.Local.
func NewDigest(symbol, interval string, fn StatsFunc, n notification.Notifier, loc *time.Location) *Digest {
	if loc == nil {
		loc = time.Local
	}
	return &Digest{
		Cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		symbol:   strings.ToUpper(symbol),
		interval: interval,
		stats:    fn,
		notifier: n,
		loc:      loc,
	}
}

// Register adds the digest job. An empty spec means DefaultSpec.
func (d *Digest) Register(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := d.Cron.AddFunc(spec, d.RunNow); err != nil {
		return fmt.Errorf("register digest %q: %w", spec, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (d *Digest) Start() {
	d.Cron.Start()
	log.Println("[scheduler] digest started")
}

// Stop stops the scheduler and waits for a running digest to finish.
func (d *Digest) Stop() {
	<-d.Cron.Stop().Done()
	log.Println("[scheduler] digest stopped")
}

// RunNow builds and sends one digest.
func (d *Digest) RunNow() {
	msg := d.Format(d.stats())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.notifier.Notify(ctx, msg, notification.ChannelLogs); err != nil {
		log.Printf("[scheduler] send digest: %v", err)
	}
}

// Format renders st and advances the inserted-records baseline.
func (d *Digest) Format(st feed.Stats) string {
	added := st.Inserted - d.lastInserted
	d.lastInserted = st.Inserted

	var b strings.Builder
	fmt.Fprintf(&b, "DIGEST %s %s\n", d.symbol, d.interval)
	fmt.Fprintf(&b, "state: %s\n", st.State)
	fmt.Fprintf(&b, "records added: %d (total %d)\n", added, st.Inserted)
	fmt.Fprintf(&b, "window: %d candles", st.WindowLen)

	if len(st.Closes) > 0 {
		data := stats.LoadRawData(st.Closes)
		mean, _ := data.Mean()
		sd, _ := data.StandardDeviation()
		lo, _ := data.Min()
		hi, _ := data.Max()
		fmt.Fprintf(&b, "\nclose mean %.4f sd %.4f range %g..%g", mean, sd, lo, hi)
	}
	if !st.LastRecord.IsZero() {
		fmt.Fprintf(&b, "\nlast record: %s", st.LastRecord.In(d.loc).Format("Jan 02 15:04"))
	}
	return b.String()
}
