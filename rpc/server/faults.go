package server

import (
	"sync"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Faults are failures the server injects into its responses. They are read
// per request, so tests can change them while clients are connected.
type Faults struct {
	mu sync.Mutex

	delay            time.Duration
	drop             int
	resultCode       model.ResultCode
	resultCount      int
	chunkSize        int
	chunkDelay       time.Duration
	zeroLengthGroups bool
	compress         bool
	rowsPerGroup     int
	rowCode          model.ResultCode
	rowCodeAfter     int
	unavailable      map[int]int
}

// faultState is a consistent copy of the response shaping faults
type faultState struct {
	delay            time.Duration
	chunkSize        int
	chunkDelay       time.Duration
	zeroLengthGroups bool
	compress         bool
	rowsPerGroup     int
	rowCode          model.ResultCode
	rowCodeAfter     int
}

// SetDelay delays every response by d
func (f *Faults) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// DropNext reads the next n requests and closes their connections without
// an answer
func (f *Faults) DropNext(n int) {
	f.mu.Lock()
	f.drop = n
	f.mu.Unlock()
}

// FailNext answers the next n data requests with code instead of running
// them
func (f *Faults) FailNext(code model.ResultCode, n int) {
	f.mu.Lock()
	f.resultCode, f.resultCount = code, n
	f.mu.Unlock()
}

// SetChunking writes responses in pieces of size bytes with delay between
// them. Zero size writes whole responses.
func (f *Faults) SetChunking(size int, delay time.Duration) {
	f.mu.Lock()
	f.chunkSize, f.chunkDelay = size, delay
	f.mu.Unlock()
}

// SetZeroLengthGroups sends an empty message in front of every group
func (f *Faults) SetZeroLengthGroups(on bool) {
	f.mu.Lock()
	f.zeroLengthGroups = on
	f.mu.Unlock()
}

// SetCompress compresses every response, requested or not
func (f *Faults) SetCompress(on bool) {
	f.mu.Lock()
	f.compress = on
	f.mu.Unlock()
}

// SetRowsPerGroup limits the rows of one group message. Zero sends every
// batch and scan response as one group.
func (f *Faults) SetRowsPerGroup(n int) {
	f.mu.Lock()
	f.rowsPerGroup = n
	f.mu.Unlock()
}

// SetRowResult makes scans send one record row carrying code after the
// first after records. OK turns it off.
func (f *Faults) SetRowResult(code model.ResultCode, after int) {
	f.mu.Lock()
	f.rowCode, f.rowCodeAfter = code, after
	f.mu.Unlock()
}

// SetUnavailable reports the given partitions as unavailable to the next
// times scans that address them
func (f *Faults) SetUnavailable(times int, partitions ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable == nil {
		f.unavailable = map[int]int{}
	}
	for _, p := range partitions {
		f.unavailable[p] = times
	}
}

// Reset clears all faults
func (f *Faults) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay, f.drop = 0, 0
	f.resultCode, f.resultCount = model.OK, 0
	f.chunkSize, f.chunkDelay = 0, 0
	f.zeroLengthGroups, f.compress = false, false
	f.rowsPerGroup = 0
	f.rowCode, f.rowCodeAfter = model.OK, 0
	f.unavailable = nil
}

func (f *Faults) snapshot() faultState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return faultState{
		delay:            f.delay,
		chunkSize:        f.chunkSize,
		chunkDelay:       f.chunkDelay,
		zeroLengthGroups: f.zeroLengthGroups,
		compress:         f.compress,
		rowsPerGroup:     f.rowsPerGroup,
		rowCode:          f.rowCode,
		rowCodeAfter:     f.rowCodeAfter,
	}
}

func (f *Faults) takeDrop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drop > 0 {
		f.drop--
		return true
	}
	return false
}

func (f *Faults) takeResult() (model.ResultCode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultCount > 0 {
		f.resultCount--
		return f.resultCode, true
	}
	return model.OK, false
}

func (f *Faults) takeUnavailable(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.unavailable[pid]; n > 0 {
		f.unavailable[pid] = n - 1
		return true
	}
	return false
}
