// Package quota implements the rolling hour/day counter used for both the
// send quota and the calendar-mutation quota. Cross-process
// mutual exclusion is a lock file acquired by exclusive-create with a
// bounded spin on contention; quota holds are expected to be brief.
package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockSpinInterval = 20 * time.Millisecond
	lockTimeout      = time.Second
)

// Reason is returned alongside a failed Consume.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonHourLimitExceeded Reason = "hour_limit_exceeded"
	ReasonDayLimitExceeded  Reason = "day_limit_exceeded"
)

// Record is the on-disk shape of a single counter kind.
type Record struct {
	HourKey   string `json:"hourKey"`
	DayKey    string `json:"dayKey"`
	HourCount int    `json:"hourCount"`
	DayCount  int    `json:"dayCount"`
}

// Counter is a single quota counter file (send, or calendar-mutation).
type Counter struct {
	path     string
	lockPath string
}

// New returns a Counter backed by the file at path, with a sibling lock
// file at path+".lock".
func New(path string) *Counter {
	return &Counter{path: path, lockPath: path + ".lock"}
}

// Result is the outcome of a Consume call.
type Result struct {
	OK     bool
	Reason Reason
}

// Consume performs an atomic read-modify-write:
// acquire the lock, roll over hour/day keys if stale, reject if either cap
// is already met, otherwise increment both counts and persist before
// releasing the lock. Either the quota is consumed and the caller may
// proceed, or nothing changed.
func (c *Counter) Consume(now time.Time, hourMax, dayMax int) (Result, error) {
	unlock, err := c.acquireLock()
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	rec, err := c.load()
	if err != nil {
		return Result{}, err
	}

	hourKey := hourKeyFor(now)
	dayKey := dayKeyFor(now)
	if rec.HourKey != hourKey {
		rec.HourKey = hourKey
		rec.HourCount = 0
	}
	if rec.DayKey != dayKey {
		rec.DayKey = dayKey
		rec.DayCount = 0
	}

	if hourMax > 0 && rec.HourCount >= hourMax {
		return Result{OK: false, Reason: ReasonHourLimitExceeded}, nil
	}
	if dayMax > 0 && rec.DayCount >= dayMax {
		return Result{OK: false, Reason: ReasonDayLimitExceeded}, nil
	}

	rec.HourCount++
	rec.DayCount++
	if err := c.save(rec); err != nil {
		return Result{}, err
	}
	return Result{OK: true}, nil
}

// Snapshot returns the current record without consuming, rolling over
// stale keys in the returned value only (not persisted) — used for
// read-only status reporting.
func (c *Counter) Snapshot(now time.Time) (Record, error) {
	rec, err := c.load()
	if err != nil {
		return Record{}, err
	}
	if rec.HourKey != hourKeyFor(now) {
		rec.HourCount = 0
	}
	if rec.DayKey != dayKeyFor(now) {
		rec.DayCount = 0
	}
	return rec, nil
}

func (c *Counter) load() (Record, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("quota: read %s: %w", c.path, err)
	}
	if len(data) == 0 {
		return Record{}, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unparseable counter files are not silently discarded — the
		// consume path must fail closed rather than reset to zero.
		return Record{}, fmt.Errorf("quota: corrupt counter file %s: %w", c.path, err)
	}
	return rec, nil
}

func (c *Counter) save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quota: marshal record: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("quota: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("quota: rename %s -> %s: %w", tmp, c.path, err)
	}
	return nil
}

// acquireLock spins on exclusive-create of the lock file until it
// succeeds or lockTimeout elapses. The returned func releases the lock and
// must run on every exit path, including panics in the caller — hence the
// defer immediately after acquireLock returns.
func (c *Counter) acquireLock() (release func(), err error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(c.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(c.lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("quota: create lock %s: %w", c.lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("quota: timed out acquiring lock %s", c.lockPath)
		}
		time.Sleep(lockSpinInterval)
	}
}

func hourKeyFor(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02d-%02d", u.Year(), u.Month(), u.Day(), u.Hour())
}

func dayKeyFor(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d-%02d", u.Year(), u.Month(), u.Day())
}
