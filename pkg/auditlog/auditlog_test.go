// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package auditlog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// steppedClock advances 250ms on every call
type steppedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(250 * time.Millisecond)
	return now
}

// blockingSink holds the writer goroutine until released
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     int
}

func (b *blockingSink) Write(entries []Entry) error {
	<-b.release
	b.mu.Lock()
	b.got += len(entries)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) Close() error { return nil }

func TestCSVSink_Lines(t *testing.T) {
	var buf bytes.Buffer
	clock := &steppedClock{t: time.Unix(0, 0)}
	l := New(Config{Now: clock.Now}, NewCSVSink(&buf, nil))

	l.LogFrame(canframe.MustNew(0x120, false, []byte{0x01, 0x2C, 0x00, 0x22, 0x1F, 0x00, 0x4C, 0x5E}))
	l.LogDelivery(Delivery{BatchID: "b", Outcome: "delivered"})
	l.LogFrame(canframe.MustNew(0x18FF50E5, true, []byte{0xAB}))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := "250,0x120,S,8,012C00221F004C5E\n750,0x18FF50E5,E,1,AB\n"
	if buf.String() != want {
		t.Errorf("CSV =\n%s\nwant\n%s", buf.String(), want)
	}
	if written, dropped, _ := l.Stats(); written != 3 || dropped != 0 {
		t.Errorf("Stats() = %d written, %d dropped", written, dropped)
	}
}

func TestLogger_DropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	l := New(Config{BufferSize: 4, MaxBatch: 1}, sink)

	f := canframe.MustNew(0x1, false, nil)
	start := time.Now()
	accepted := 0
	for i := 0; i < 50; i++ {
		if l.LogFrame(f) {
			accepted++
		}
	}
	if time.Since(start) > time.Second {
		t.Fatal("LogFrame() blocked")
	}
	// 4 buffered plus at most one in the writer's hands
	if accepted > 5 {
		t.Errorf("accepted %d entries with a buffer of 4", accepted)
	}

	close(sink.release)
	l.Close()

	_, dropped, _ := l.Stats()
	if int(dropped) != 50-accepted {
		t.Errorf("dropped = %d, want %d", dropped, 50-accepted)
	}
	if l.LogFrame(f) {
		t.Error("LogFrame() after Close() succeeded")
	}
}

func TestOpenCSVFile_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "can.csv")
	for i := 0; i < 2; i++ {
		sink, err := OpenCSVFile(path)
		if err != nil {
			t.Fatalf("OpenCSVFile() error = %v", err)
		}
		l := New(Config{}, sink)
		l.LogFrame(canframe.MustNew(0x300, false, []byte{1}))
		l.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("file has %d lines, want 2", lines)
	}
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}

	l := New(Config{}, sink)
	for i := 0; i < 10; i++ {
		l.LogFrame(canframe.MustNew(uint32(0x100+i), false, []byte{byte(i)}))
	}
	l.LogDelivery(Delivery{BatchID: "batch-1", Outcome: "rejected", Attempt: 1, Frames: 10, Status: 429, Error: "client error"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		t.Fatalf("OpenConn() error = %v", err)
	}
	defer conn.Close()

	count := func(query string) int64 {
		var n int64
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("query %q: %v", query, err)
		}
		return n
	}

	if n := count("SELECT COUNT(*) FROM frames"); n != 10 {
		t.Errorf("frames = %d, want 10", n)
	}
	if n := count("SELECT status FROM deliveries WHERE batch_id = 'batch-1'"); n != 429 {
		t.Errorf("delivery status = %d, want 429", n)
	}
}
