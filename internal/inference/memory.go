package inference

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// residentMemoryGB reports the server process's resident set size. On
// Linux it reads the kernel's accounting; elsewhere it falls back to the
// Go heap, which undercounts subprocess memory but is better than
// nothing.
func residentMemoryGB() float64 {
	if gb, ok := linuxRSSGB(); ok {
		return gb
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1 << 30)
}

func linuxRSSGB() (float64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, false
		}
		return kb / (1 << 20), true
	}
	return 0, false
}
