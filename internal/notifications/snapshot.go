package notifications

import (
	"maps"
	"strconv"
	"time"

	"alexamedia/internal/alexa"
)

// Record is a processed notification.
type Record struct {
	alexa.Notification
	DateTime string `json:"date_time,omitempty"`
}

// Snapshot is the full notification state of an account, keyed by device
// serial, notification type and notification index. Each successful refresh
// replaces it wholesale.
type Snapshot struct {
	ProcessedAt time.Time                               `json:"processed_at"`
	Devices     map[string]map[string]map[string]Record `json:"devices"`
}

// Get returns one record.
func (s *Snapshot) Get(serial, kind, index string) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	rec, ok := s.Devices[serial][kind][index]
	return rec, ok
}

// Count returns the number of records.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, kinds := range s.Devices {
		for _, records := range kinds {
			n += len(records)
		}
	}
	return n
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		ProcessedAt: s.ProcessedAt,
		Devices:     make(map[string]map[string]map[string]Record, len(s.Devices)),
	}
	for serial, kinds := range s.Devices {
		k := make(map[string]map[string]Record, len(kinds))
		for kind, records := range kinds {
			k[kind] = maps.Clone(records)
		}
		out.Devices[serial] = k
	}
	return out
}

// Dismissal is an alarm that was dismissed between two snapshots.
type Dismissal struct {
	Serial string
	Alarm  Record
}

// Build turns a raw listing into a snapshot. Alarms present in previous are
// checked for dismissal.
func Build(raw []alexa.Notification, previous *Snapshot, now time.Time) (*Snapshot, []Dismissal) {
	snap := &Snapshot{
		ProcessedAt: now,
		Devices:     make(map[string]map[string]map[string]Record),
	}
	var dismissed []Dismissal

	for _, n := range raw {
		if n.DeviceSerialNumber == "" || n.Type == "" {
			continue
		}

		rec := Record{Notification: n}
		if rec.Type == "MusicAlarm" {
			rec.Type = "Alarm"
		}

		if rec.Type == "Alarm" {
			if n.OriginalDate != "" && n.OriginalTime != "" {
				rec.DateTime = n.OriginalDate + " " + n.OriginalTime
			}
			if prev, ok := previous.Get(n.DeviceSerialNumber, "Alarm", n.NotificationIndex); ok &&
				AlarmJustDismissed(rec, prev.Status, prev.Version) {
				dismissed = append(dismissed, Dismissal{Serial: n.DeviceSerialNumber, Alarm: rec})
			}
		}

		kinds, ok := snap.Devices[n.DeviceSerialNumber]
		if !ok {
			kinds = make(map[string]map[string]Record)
			snap.Devices[n.DeviceSerialNumber] = kinds
		}
		records, ok := kinds[rec.Type]
		if !ok {
			records = make(map[string]Record)
			kinds[rec.Type] = records
		}
		records[n.NotificationIndex] = rec
	}

	return snap, dismissed
}

// AlarmJustDismissed reports whether alarm moved out of a ringing state by a
// single version step. Edits bump the version by two or more; snoozes keep the
// SNOOZED status.
func AlarmJustDismissed(alarm Record, previousStatus, previousVersion string) bool {
	if previousStatus != "SNOOZED" && previousStatus != "ON" {
		return false
	}
	if previousVersion == "" {
		return false
	}
	if alarm.Status != "OFF" && alarm.Status != "ON" {
		return false
	}
	if alarm.Version == previousVersion {
		return false
	}

	version, err := strconv.Atoi(defaultString(alarm.Version, "0"))
	if err != nil {
		return false
	}
	prev, err := strconv.Atoi(previousVersion)
	if err != nil {
		return false
	}
	return version <= prev+1
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
