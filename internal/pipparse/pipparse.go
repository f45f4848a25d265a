// Package pipparse turns the streaming text output of a pip subprocess
// into structured progress events. pip offers no structured progress API,
// so this is deliberate output scraping: a rolling current-package state
// plus a pattern table over complete lines. Expect it to need adjustment
// when pip changes its output format.
package pipparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies one recognized output line.
type Kind int

const (
	// KindCollecting marks package resolution starting for a package.
	KindCollecting Kind = iota
	// KindDownloadStart marks the beginning of a package download.
	KindDownloadStart
	// KindDownloadPercent is an explicit percentage update.
	KindDownloadPercent
	// KindDownloadSize is a bytes-over-bytes update normalized to MB.
	KindDownloadSize
	// KindInstalling marks the installation phase.
	KindInstalling
	// KindBuilding marks native compilation / wheel building.
	KindBuilding
	// KindComplete marks the final success line.
	KindComplete
)

// PercentUnknown is reported when a size update has no usable total.
const PercentUnknown = -1

// Event is one classified progress observation.
type Event struct {
	Kind    Kind
	Package string
	// Percent is 0-100, or PercentUnknown when it cannot be derived.
	Percent int
	// DownloadedMB and TotalMB are set for KindDownloadSize.
	DownloadedMB float64
	TotalMB      float64
	Line         string
}

// Stream identifies which pipe a chunk came from. Both may carry
// progress; they are reassembled independently.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

var (
	reCollecting = regexp.MustCompile(`^Collecting\s+([A-Za-z0-9._\[\]-]+)`)
	reDownload   = regexp.MustCompile(`^\s*Downloading\s+(\S+)`)
	rePercent    = regexp.MustCompile(`(\d{1,3})%`)
	reSize       = regexp.MustCompile(`([0-9.]+)\s*/\s*([0-9.]+)\s*(kB|KB|MB|GB)`)
	reInstalling = regexp.MustCompile(`^Installing collected packages`)
	reBuilding   = regexp.MustCompile(`^\s*(Building wheel for|Running setup\.py|Preparing metadata)\s*([A-Za-z0-9._-]*)`)
	reComplete   = regexp.MustCompile(`^Successfully installed\b`)
)

// Parser consumes interleaved stdout/stderr chunks and emits events for
// every recognized complete line. Unrecognized lines go to Raw verbatim.
type Parser struct {
	// Emit receives classified events. Required.
	Emit func(Event)
	// Raw, when set, receives every unmatched complete line.
	Raw func(string)

	current string
	rest    [2]string
}

// Feed appends a chunk from the given stream, reassembling lines split
// across chunk boundaries before matching. Both \n and \r terminate a
// line: pip rewrites its progress bar with bare carriage returns.
func (p *Parser) Feed(stream Stream, chunk []byte) {
	buf := p.rest[stream] + string(chunk)
	for {
		i := strings.IndexAny(buf, "\r\n")
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		p.parseLine(line)
	}
	p.rest[stream] = buf
}

// Flush processes any trailing partial lines, for end-of-process cleanup.
func (p *Parser) Flush() {
	for s := range p.rest {
		if p.rest[s] != "" {
			p.parseLine(p.rest[s])
			p.rest[s] = ""
		}
	}
}

// CurrentPackage returns the package most recently seen in a Collecting
// line.
func (p *Parser) CurrentPackage() string { return p.current }

func (p *Parser) parseLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if m := reCollecting.FindStringSubmatch(trimmed); m != nil {
		p.current = m[1]
		p.emit(Event{Kind: KindCollecting, Package: p.current, Percent: PercentUnknown, Line: trimmed})
		return
	}
	if reInstalling.MatchString(trimmed) {
		p.emit(Event{Kind: KindInstalling, Package: p.current, Percent: PercentUnknown, Line: trimmed})
		return
	}
	if reComplete.MatchString(trimmed) {
		p.emit(Event{Kind: KindComplete, Package: p.current, Percent: 100, Line: trimmed})
		return
	}
	if m := reBuilding.FindStringSubmatch(trimmed); m != nil {
		pkg := p.current
		if m[2] != "" {
			pkg = m[2]
		}
		p.emit(Event{Kind: KindBuilding, Package: pkg, Percent: PercentUnknown, Line: trimmed})
		return
	}
	if m := reSize.FindStringSubmatch(trimmed); m != nil {
		downloaded := toMB(m[1], m[3])
		total := toMB(m[2], m[3])
		ev := Event{
			Kind:         KindDownloadSize,
			Package:      p.current,
			DownloadedMB: downloaded,
			TotalMB:      total,
			Percent:      PercentUnknown,
			Line:         trimmed,
		}
		// A zero total means the size is not yet known; report unknown
		// rather than a bogus 0%.
		if total > 0 {
			pct := int(downloaded/total*100 + 0.5)
			if pct > 100 {
				pct = 100
			}
			ev.Percent = pct
		}
		p.emit(ev)
		return
	}
	if reDownload.MatchString(trimmed) {
		p.emit(Event{Kind: KindDownloadStart, Package: p.current, Percent: 0, Line: trimmed})
		return
	}
	if m := rePercent.FindStringSubmatch(trimmed); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err == nil && pct <= 100 {
			p.emit(Event{Kind: KindDownloadPercent, Package: p.current, Percent: pct, Line: trimmed})
			return
		}
	}

	if p.Raw != nil {
		p.Raw(trimmed)
	}
}

func (p *Parser) emit(ev Event) {
	if p.Emit != nil {
		p.Emit(ev)
	}
}

func toMB(value, unit string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "kB", "KB":
		return v / 1024
	case "GB":
		return v * 1024
	default:
		return v
	}
}
