package pipparse

import (
	"testing"
)

func collect(p *Parser) *[]Event {
	events := &[]Event{}
	p.Emit = func(ev Event) { *events = append(*events, ev) }
	return events
}

func TestCollectingTracksPackage(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Collecting torch\n"))
	p.Feed(Stdout, []byte("  Downloading torch-2.1.0-cp311-win_amd64.whl (192.3 MB)\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events; want 2", len(*events))
	}
	if (*events)[0].Kind != KindCollecting || (*events)[0].Package != "torch" {
		t.Errorf("event 0 = %+v; want Collecting torch", (*events)[0])
	}
	if (*events)[1].Kind != KindDownloadStart || (*events)[1].Package != "torch" {
		t.Errorf("event 1 = %+v; want DownloadStart with rolling package torch", (*events)[1])
	}
}

func TestCurrentPackageFollowsCollectingLines(t *testing.T) {
	p := &Parser{}
	collect(p)

	if got := p.CurrentPackage(); got != "" {
		t.Errorf("CurrentPackage before input = %q; want empty", got)
	}
	p.Feed(Stdout, []byte("Collecting torch\n"))
	if got := p.CurrentPackage(); got != "torch" {
		t.Errorf("CurrentPackage = %q; want torch", got)
	}
	p.Feed(Stdout, []byte("Collecting numpy\n"))
	if got := p.CurrentPackage(); got != "numpy" {
		t.Errorf("CurrentPackage = %q; want the most recent package numpy", got)
	}
}

func TestLineSplitAcrossChunks(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Collect"))
	p.Feed(Stdout, []byte("ing numpy\nInstalling collec"))
	p.Feed(Stdout, []byte("ted packages: numpy\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events; want 2", len(*events))
	}
	if (*events)[0].Package != "numpy" {
		t.Errorf("package = %q; want numpy", (*events)[0].Package)
	}
	if (*events)[1].Kind != KindInstalling {
		t.Errorf("event 1 kind = %v; want KindInstalling", (*events)[1].Kind)
	}
}

func TestBothStreamsReassembledIndependently(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Collecting sci"))
	p.Feed(Stderr, []byte("Building wheel for TTS\n"))
	p.Feed(Stdout, []byte("py\n"))

	if len(*events) != 2 {
		t.Fatalf("got %d events; want 2", len(*events))
	}
	if (*events)[0].Kind != KindBuilding {
		t.Errorf("event 0 = %+v; want Building", (*events)[0])
	}
	if (*events)[1].Kind != KindCollecting || (*events)[1].Package != "scipy" {
		t.Errorf("event 1 = %+v; want Collecting scipy (stderr chunk must not corrupt stdout buffer)", (*events)[1])
	}
}

func TestSizeUpdateComputesPercent(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Collecting torch\n"))
	p.Feed(Stdout, []byte("     48.1/192.3 MB 11.2 MB/s eta 0:00:13\r"))

	last := (*events)[len(*events)-1]
	if last.Kind != KindDownloadSize {
		t.Fatalf("kind = %v; want KindDownloadSize", last.Kind)
	}
	if last.Percent != 25 {
		t.Errorf("percent = %d; want 25", last.Percent)
	}
	if last.Package != "torch" {
		t.Errorf("package = %q; want torch", last.Package)
	}
}

func TestSizeUnits(t *testing.T) {
	cases := []struct {
		line   string
		wantMB float64
	}{
		{"  512.0/1024.0 kB 1 MB/s\r", 0.5},
		{"  1.5/3.0 GB 5 MB/s\r", 1536},
	}
	for _, tc := range cases {
		p := &Parser{}
		events := collect(p)
		p.Feed(Stdout, []byte(tc.line))
		if len(*events) != 1 {
			t.Fatalf("line %q: got %d events; want 1", tc.line, len(*events))
		}
		if got := (*events)[0].DownloadedMB; got != tc.wantMB {
			t.Errorf("line %q: downloaded = %v MB; want %v", tc.line, got, tc.wantMB)
		}
		if (*events)[0].Percent != 50 {
			t.Errorf("line %q: percent = %d; want 50", tc.line, (*events)[0].Percent)
		}
	}
}

func TestZeroTotalReportsUnknown(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("  3.2/0.0 MB ? eta -:--:--\r"))

	if len(*events) != 1 {
		t.Fatalf("got %d events; want 1", len(*events))
	}
	if (*events)[0].Percent != PercentUnknown {
		t.Errorf("percent = %d; want PercentUnknown", (*events)[0].Percent)
	}
}

func TestGenericPercent(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stderr, []byte("model fetch: 73%\n"))

	if len(*events) != 1 || (*events)[0].Kind != KindDownloadPercent || (*events)[0].Percent != 73 {
		t.Fatalf("events = %+v; want single 73%% percent event", *events)
	}
}

func TestCompleteLine(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Successfully installed torch-2.1.0 numpy-1.26.0\n"))

	if len(*events) != 1 || (*events)[0].Kind != KindComplete || (*events)[0].Percent != 100 {
		t.Fatalf("events = %+v; want single complete event at 100", *events)
	}
}

func TestUnmatchedLinesGoToRawOnly(t *testing.T) {
	p := &Parser{}
	events := collect(p)
	var raw []string
	p.Raw = func(line string) { raw = append(raw, line) }

	p.Feed(Stdout, []byte("Requirement already satisfied: wheel in ./env\n"))

	if len(*events) != 0 {
		t.Errorf("classified events = %+v; want none", *events)
	}
	if len(raw) != 1 {
		t.Fatalf("raw lines = %v; want exactly one", raw)
	}
}

func TestFlushHandlesTrailingPartial(t *testing.T) {
	p := &Parser{}
	events := collect(p)

	p.Feed(Stdout, []byte("Successfully installed TTS-0.22.0"))
	if len(*events) != 0 {
		t.Fatalf("event emitted before line end")
	}
	p.Flush()
	if len(*events) != 1 || (*events)[0].Kind != KindComplete {
		t.Fatalf("events after flush = %+v; want complete", *events)
	}
}
