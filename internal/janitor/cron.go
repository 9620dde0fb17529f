package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений из пяти полей
// (минута час день месяц день-недели).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseExpr разбирает cron-выражение расписания уборки.
func ParseExpr(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// ValidateExpr проверяет валидность cron-выражения.
func ValidateExpr(expr string) error {
	_, err := ParseExpr(expr)
	return err
}

// NextRun вычисляет следующее время уборки после from в UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := ParseExpr(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from).UTC(), nil
}
