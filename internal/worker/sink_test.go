package worker

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"serial-ingest/internal/clock"
	"serial-ingest/internal/metrics"
	"serial-ingest/internal/model"
	"serial-ingest/internal/parser"

	"github.com/rs/zerolog"
)

var testStart = time.Date(2026, 10, 16, 9, 30, 0, 0, time.Local)

func tokenParser(t *testing.T) parser.Parser {
	t.Helper()
	p, err := parser.NewToken(parser.DefaultMarker)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return p
}

func newTestSink(t *testing.T, dir string, clk clock.Clock, period time.Duration, p parser.Parser, onClose func(model.FileSummary)) *RotatingSink {
	t.Helper()
	s, err := NewRotatingSink(SinkOptions{
		Dir:     dir,
		Period:  period,
		Parser:  p,
		Clock:   clk,
		Metrics: metrics.New(),
		Logger:  zerolog.Nop(),
		OnClose: onClose,
	})
	if err != nil {
		t.Fatalf("NewRotatingSink: %v", err)
	}
	return s
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv %s: %v", path, err)
	}
	return rows
}

func listCSV(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	sort.Strings(matches)
	return matches
}

func tokenRecord(seq uint64, ts int64) model.Record {
	return model.Record{Seq: seq, Event: model.Event{TimestampMS: ts}}
}

func TestSinkWritesHeaderAndDurableRows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	clk := clock.NewFake(testStart)
	s := newTestSink(t, dir, clk, time.Minute, tokenParser(t), nil)
	defer s.Close()

	wantPath := filepath.Join(dir, "licks_20261016_093000.csv")
	if s.Path() != wantPath {
		t.Fatalf("path = %s, want %s", s.Path(), wantPath)
	}

	for i, ts := range []int64{100, 250} {
		if err := s.Append(tokenRecord(uint64(i+1), ts)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Append 가 반환된 시점에 이미 디스크에 있어야 한다 (Close 전에 읽는다)
	got := readCSV(t, wantPath)
	want := [][]string{{"timestamp_ms", "lick_number"}, {"100", "1"}, {"250", "2"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
}

func TestSinkRotatesHeaderOnlyFileAtDeadline(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(testStart)
	s := newTestSink(t, dir, clk, time.Minute, tokenParser(t), nil)
	defer s.Close()

	first := s.Path()

	clk.Advance(59 * time.Second)
	if rotated, err := s.RotateIfDue(clk.Now()); err != nil || rotated {
		t.Fatalf("RotateIfDue before deadline = %v, %v", rotated, err)
	}

	clk.Advance(time.Second)
	rotated, err := s.RotateIfDue(clk.Now())
	if err != nil || !rotated {
		t.Fatalf("RotateIfDue at deadline = %v, %v", rotated, err)
	}
	if s.Path() == first {
		t.Fatal("rotation kept the same file")
	}
	if want := clk.Now().Add(time.Minute); !s.Deadline().Equal(want) {
		t.Errorf("deadline = %s, want %s", s.Deadline(), want)
	}

	for _, p := range []string{first, s.Path()} {
		if rows := readCSV(t, p); len(rows) != 1 {
			t.Errorf("%s has %d rows, want header only", p, len(rows))
		}
	}
}

func TestSinkDisambiguatesSameSecondFiles(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(testStart)

	a := newTestSink(t, dir, clk, time.Minute, tokenParser(t), nil)
	if err := a.Append(tokenRecord(1, 7)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b := newTestSink(t, dir, clk, time.Minute, tokenParser(t), nil)
	defer b.Close()

	if want := filepath.Join(dir, "licks_20261016_093000_1.csv"); b.Path() != want {
		t.Fatalf("second path = %s, want %s", b.Path(), want)
	}
	if rows := readCSV(t, filepath.Join(dir, "licks_20261016_093000.csv")); len(rows) != 2 {
		t.Errorf("first file was modified: %v", rows)
	}
}

func TestSinkCloseSummaryAndIdempotence(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(testStart)

	var sums []model.FileSummary
	s := newTestSink(t, dir, clk, time.Minute, tokenParser(t), func(fs model.FileSummary) {
		sums = append(sums, fs)
	})

	for seq := uint64(4); seq <= 6; seq++ {
		if err := s.Append(tokenRecord(seq, int64(seq*10))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	clk.Advance(5 * time.Second)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if len(sums) != 1 {
		t.Fatalf("OnClose called %d times, want 1", len(sums))
	}
	got := sums[0]
	if got.Events != 3 || got.FirstSeq != 4 || got.LastSeq != 6 {
		t.Errorf("summary = %+v", got)
	}
	if got.Strategy != parser.StrategyToken || !got.OpenedAt.Equal(testStart) || !got.ClosedAt.Equal(testStart.Add(5*time.Second)) {
		t.Errorf("summary times/strategy = %+v", got)
	}
	info, err := os.Stat(got.Path)
	if err != nil || info.Size() != got.Bytes {
		t.Errorf("summary bytes = %d, file size = %v (err %v)", got.Bytes, info, err)
	}

	if err := s.Append(tokenRecord(7, 70)); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Append after Close = %v, want ErrSinkClosed", err)
	}
	if rotated, err := s.RotateIfDue(clk.Now().Add(time.Hour)); rotated || err != nil {
		t.Errorf("RotateIfDue after Close = %v, %v", rotated, err)
	}
}

func TestSinkOpenFailsWhenDirIsFile(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "logs")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewRotatingSink(SinkOptions{
		Dir:    blocker,
		Period: time.Minute,
		Parser: tokenParser(t),
		Clock:  clock.NewFake(testStart),
		Logger: zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error when output dir is a regular file")
	}
}

func TestSinkQuotesPositionalPayload(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(testStart)
	s := newTestSink(t, dir, clk, time.Minute, parser.Positional{}, nil)
	defer s.Close()

	rec := model.Record{Seq: 1, Event: model.Event{
		TimestampText: "1000",
		Payload:       `a,b "c"`,
		ReceivedAt:    testStart,
	}}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := "iso_time,device_timestamp_ms,payload\n2026-10-16T09:30:00,1000,\"a,b \"\"c\"\"\"\n"
	if string(raw) != want {
		t.Errorf("file = %q, want %q", raw, want)
	}
	if filepath.Base(s.Path()) != "log_20261016_093000.csv" {
		t.Errorf("positional filename = %s", filepath.Base(s.Path()))
	}
}

func TestSinkRotationSurvivesCloseFailure(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(testStart)

	var closed []string
	s := newTestSink(t, dir, clk, time.Minute, tokenParser(t), func(fs model.FileSummary) {
		closed = append(closed, fs.Path)
	})
	defer s.Close()

	broken := s.Path()
	if err := s.Append(tokenRecord(1, 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// 핸들을 sink 몰래 닫아서 회전 시 Sync/Close 가 실패하게 만든다
	if err := s.f.Close(); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	rotated, err := s.RotateIfDue(clk.Now())
	if err != nil || !rotated {
		t.Fatalf("RotateIfDue = %v, %v; want rotation despite close failure", rotated, err)
	}
	if got := s.opts.Metrics.CloseErrorsTotal; got != 1 {
		t.Errorf("CloseErrorsTotal = %d, want 1", got)
	}
	if len(closed) != 0 {
		t.Errorf("OnClose called for a file that failed to close: %v", closed)
	}
	if s.Path() == broken {
		t.Fatal("still on the broken file")
	}

	if err := s.Append(tokenRecord(2, 20)); err != nil {
		t.Fatalf("Append after rotation: %v", err)
	}
	want := [][]string{{"timestamp_ms", "lick_number"}, {"20", "2"}}
	if got := readCSV(t, s.Path()); !reflect.DeepEqual(got, want) {
		t.Errorf("new file = %v, want %v", got, want)
	}
	if got := readCSV(t, broken); len(got) != 2 {
		t.Errorf("rows written before the failure were lost: %v", got)
	}
}
