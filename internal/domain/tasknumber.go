package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const taskNumberDateLayout = "20060102"

// TaskNumberPrefix is the per-user, per-day prefix shared by task numbers
// created on day.
func TaskNumberPrefix(userID int64, day time.Time) string {
	return fmt.Sprintf("%d_%s_", userID, day.Format(taskNumberDateLayout))
}

// FormatTaskNumber renders "{userID}_{YYYYMMDD}_{serial}" with a zero-padded
// four digit serial.
func FormatTaskNumber(userID int64, day time.Time, serial int) string {
	return fmt.Sprintf("%s%04d", TaskNumberPrefix(userID, day), serial)
}

// ParseTaskSerial extracts the trailing serial from a task number.
func ParseTaskSerial(taskNumber string) (int, error) {
	i := strings.LastIndexByte(taskNumber, '_')
	if i < 0 || i == len(taskNumber)-1 {
		return 0, fmt.Errorf("malformed task number %q", taskNumber)
	}
	n, err := strconv.Atoi(taskNumber[i+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed task number %q: %w", taskNumber, err)
	}
	return n, nil
}

// NextTaskNumber returns the number following the last one issued for the
// same prefix. An empty last starts the serial at 1.
func NextTaskNumber(userID int64, day time.Time, last string) (string, error) {
	if last == "" {
		return FormatTaskNumber(userID, day, 1), nil
	}
	serial, err := ParseTaskSerial(last)
	if err != nil {
		return "", err
	}
	return FormatTaskNumber(userID, day, serial+1), nil
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
