package influxdb

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) any {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

func TestWriteAction_Point(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c.WriteAction(ActionSample{
		DeviceID: "MRS-B1-01", BankCode: "B1", AisleID: "B1-A2",
		Action: "OPEN", Result: "SUCCESS", Duration: 1500 * time.Millisecond, At: at,
	})

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != measurementAction {
		t.Errorf("measurement = %q, want %q", p.Name(), measurementAction)
	}
	for k, want := range map[string]string{"device_id": "MRS-B1-01", "bank": "B1", "aisle_id": "B1-A2", "action": "OPEN", "result": "SUCCESS"} {
		if got := tagValue(p, k); got != want {
			t.Errorf("tag %s = %q, want %q", k, got, want)
		}
	}
	if got := fieldValue(p, "duration_ms"); got != int64(1500) {
		t.Errorf("duration_ms = %v, want 1500", got)
	}
	if !p.Time().Equal(at) {
		t.Errorf("time = %v, want %v", p.Time(), at)
	}
	if c.Written() != 1 {
		t.Errorf("Written() = %d, want 1", c.Written())
	}
}

func TestWriteBankStateAndHeartbeat(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)

	c.WriteBankState("B2", 4, true)
	c.WriteHeartbeat("MRS-B2-01", true, time.Now())

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if w.points[0].Name() != measurementBank || fieldValue(w.points[0], "queued") != int64(4) {
		t.Errorf("bank point = %s %v", w.points[0].Name(), w.points[0].FieldList())
	}
	if w.points[1].Name() != measurementHeartbeat || fieldValue(w.points[1], "e_stop") != true {
		t.Errorf("heartbeat point = %s %v", w.points[1].Name(), w.points[1].FieldList())
	}
}

func TestClose_DropsLaterWrites(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}

	c.WriteBankState("B1", 1, false)
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Errorf("writes after Close reached the writer: points=%d flushes=%d", len(w.points), w.flushes)
	}
}
