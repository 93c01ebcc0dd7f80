// Package validate runs post-load consistency checks comparing the
// analytical database against the source it was built from.
package validate

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/db"
	"github.com/kthorn/messagemart/internal/extract"
	"github.com/kthorn/messagemart/internal/identity"
	"github.com/kthorn/messagemart/internal/load"
	"github.com/kthorn/messagemart/internal/state"
)

// Check is one named validation with its outcome. Info checks report
// conditions worth knowing about without failing the run.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Info    bool   `json:"info,omitempty"`
	Message string `json:"message"`
}

// Report aggregates all checks. Passed is the conjunction of the hard
// checks only.
type Report struct {
	Passed  bool    `json:"passed"`
	Checks  []Check `json:"checks"`
	Summary string  `json:"summary"`
}

var e164Pattern = regexp.MustCompile(`^\+\d{7,15}$`)

// isoGlob matches YYYY-MM-DDTHH:MM:SSZ in sqlite GLOB syntax.
const isoGlob = "[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]:[0-9][0-9]:[0-9][0-9]Z"

// Run opens both databases read-only and executes every check in order.
// Returns an error only when a check itself cannot run; check failures are
// reported in the Report.
func Run(logger *zap.Logger, sourcePath, targetPath string) (Report, error) {
	source, err := db.OpenReadOnly(sourcePath)
	if err != nil {
		return Report{}, fmt.Errorf("failed to open source: %w", err)
	}
	defer source.Close()

	target, err := db.OpenReadOnly(targetPath)
	if err != nil {
		return Report{}, fmt.Errorf("failed to open target: %w", err)
	}
	defer target.Close()

	return run(logger, source, target)
}

func run(logger *zap.Logger, source, target *sql.DB) (Report, error) {
	var report Report

	add := func(c Check, err error) error {
		if err != nil {
			return err
		}
		report.Checks = append(report.Checks, c)
		return nil
	}

	steps := []func() (Check, error){
		func() (Check, error) { return checkHandleParity(source, target) },
		func() (Check, error) { return checkMessageCeiling(source, target) },
		func() (Check, error) { return checkOrphanMessages(target) },
		func() (Check, error) { return checkPhoneFormat(target) },
		func() (Check, error) { return checkSyncState(target) },
		func() (Check, error) { return checkDateFormats(target) },
		func() (Check, error) { return checkContactsCoverage(target) },
		func() (Check, error) { return checkMethodsLinked(target) },
		func() (Check, error) { return checkResolutionRate(target) },
	}
	for _, step := range steps {
		if err := add(step()); err != nil {
			return report, err
		}
	}

	passed := 0
	report.Passed = true
	for _, c := range report.Checks {
		if c.Passed {
			passed++
		} else if !c.Info {
			report.Passed = false
		}
	}
	report.Summary = fmt.Sprintf("%d/%d checks passed", passed, len(report.Checks))

	logger.Info("validation complete",
		zap.Bool("passed", report.Passed),
		zap.String("summary", report.Summary))
	return report, nil
}

// checkHandleParity verifies every source handle made it into the target.
func checkHandleParity(source, target *sql.DB) (Check, error) {
	c := Check{Name: "handle_parity"}
	sourceCount, err := extract.HandleCount(source)
	if err != nil {
		return c, err
	}
	targetCount, err := load.HandleCount(target)
	if err != nil {
		return c, err
	}
	c.Passed = targetCount == sourceCount
	c.Message = fmt.Sprintf("source=%d target=%d", sourceCount, targetCount)
	return c, nil
}

// checkMessageCeiling verifies the target never holds more messages than the
// source. Fewer is legal since rows with broken timestamps are dropped.
func checkMessageCeiling(source, target *sql.DB) (Check, error) {
	c := Check{Name: "message_ceiling"}
	sourceCount, err := extract.MessageCount(source)
	if err != nil {
		return c, err
	}
	targetCount, err := load.MessageCount(target)
	if err != nil {
		return c, err
	}
	c.Passed = targetCount <= sourceCount
	c.Message = fmt.Sprintf("source=%d target=%d", sourceCount, targetCount)
	return c, nil
}

// checkOrphanMessages verifies every message's handle reference resolves.
func checkOrphanMessages(target *sql.DB) (Check, error) {
	c := Check{Name: "orphan_messages"}
	var n int
	err := target.QueryRow(`
		SELECT COUNT(*)
		FROM fact_message m
		WHERE m.handle_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM dim_handle h WHERE h.handle_id = m.handle_id)
	`).Scan(&n)
	if err != nil {
		return c, fmt.Errorf("failed to count orphan messages: %w", err)
	}
	c.Passed = n == 0
	c.Message = fmt.Sprintf("orphans=%d", n)
	return c, nil
}

// checkPhoneFormat verifies at least 90% of phone handles normalized to
// strict E.164. Vacuously passes with no phone handles.
func checkPhoneFormat(target *sql.DB) (Check, error) {
	c := Check{Name: "phone_format"}
	rows, err := target.Query(`SELECT value_normalized FROM dim_handle WHERE handle_type = 'phone'`)
	if err != nil {
		return c, fmt.Errorf("failed to query phone handles: %w", err)
	}
	defer rows.Close()

	total, wellFormed := 0, 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return c, fmt.Errorf("failed to scan phone handle: %w", err)
		}
		total++
		if e164Pattern.MatchString(v) {
			wellFormed++
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("failed to iterate phone handles: %w", err)
	}

	if total == 0 {
		c.Passed = true
		c.Message = "no phone handles"
		return c, nil
	}
	ratio := float64(wellFormed) / float64(total)
	c.Passed = ratio >= 0.9
	c.Message = fmt.Sprintf("%d/%d E.164 (%.0f%%)", wellFormed, total, ratio*100)
	return c, nil
}

// checkSyncState verifies the checkpoint table itself: schema_version and
// last_sync must be present and last_sync must be a valid ISO timestamp.
// When messages exist, the incremental watermark must also be present,
// parse, and not trail the newest loaded message.
func checkSyncState(target *sql.DB) (Check, error) {
	c := Check{Name: "sync_state"}

	if _, ok, err := state.Get(target, state.KeySchemaVersion); err != nil {
		return c, err
	} else if !ok {
		c.Message = "schema_version missing"
		return c, nil
	}

	lastSync, ok, err := state.Get(target, state.KeyLastSync)
	if err != nil {
		return c, err
	}
	if !ok {
		c.Message = "last_sync missing"
		return c, nil
	}
	if _, err := time.Parse("2006-01-02T15:04:05Z", lastSync); err != nil {
		c.Message = fmt.Sprintf("last_sync %q is not a valid date", lastSync)
		return c, nil
	}

	messages, err := load.MessageCount(target)
	if err != nil {
		return c, err
	}
	if messages == 0 {
		c.Passed = true
		c.Message = fmt.Sprintf("last_sync=%s, no messages loaded", lastSync)
		return c, nil
	}

	watermark, ok, err := state.Get(target, state.KeyLastMessageDate)
	if err != nil {
		return c, err
	}
	if !ok {
		c.Message = "watermark missing with messages present"
		return c, nil
	}
	if _, err := time.Parse("2006-01-02T15:04:05Z", watermark); err != nil {
		c.Message = fmt.Sprintf("watermark %q is not a valid date", watermark)
		return c, nil
	}
	var maxDate string
	if err := target.QueryRow(`SELECT MAX(date_utc) FROM fact_message`).Scan(&maxDate); err != nil {
		return c, fmt.Errorf("failed to query max message date: %w", err)
	}
	if watermark < maxDate {
		c.Message = fmt.Sprintf("watermark %s behind newest message %s", watermark, maxDate)
		return c, nil
	}
	c.Passed = true
	c.Message = fmt.Sprintf("last_sync=%s watermark=%s", lastSync, watermark)
	return c, nil
}

// checkDateFormats verifies every loaded message date matches the canonical
// ISO shape.
func checkDateFormats(target *sql.DB) (Check, error) {
	c := Check{Name: "date_formats"}
	var n int
	err := target.QueryRow(`SELECT COUNT(*) FROM fact_message WHERE date_utc NOT GLOB ?`, isoGlob).Scan(&n)
	if err != nil {
		return c, fmt.Errorf("failed to count malformed dates: %w", err)
	}
	c.Passed = n == 0
	c.Message = fmt.Sprintf("malformed=%d", n)
	return c, nil
}

// checkContactsCoverage reports how many persons came from the contacts
// database. Informational, always passes: a messages-only run is legitimate.
func checkContactsCoverage(target *sql.DB) (Check, error) {
	c := Check{Name: "contacts_coverage", Info: true, Passed: true}
	var n int
	err := target.QueryRow(`SELECT COUNT(*) FROM dim_person WHERE source = 'contacts'`).Scan(&n)
	if err != nil {
		return c, fmt.Errorf("failed to count contacts persons: %w", err)
	}
	c.Message = fmt.Sprintf("contacts_persons=%d", n)
	return c, nil
}

// checkMethodsLinked verifies every contact method points at an existing
// person.
func checkMethodsLinked(target *sql.DB) (Check, error) {
	c := Check{Name: "contact_methods_linked"}
	var n int
	err := target.QueryRow(`
		SELECT COUNT(*)
		FROM dim_contact_method m
		WHERE m.person_id IS NULL
		   OR NOT EXISTS (SELECT 1 FROM dim_person p WHERE p.person_id = m.person_id)
	`).Scan(&n)
	if err != nil {
		return c, fmt.Errorf("failed to count unlinked methods: %w", err)
	}
	c.Passed = n == 0
	c.Message = fmt.Sprintf("unlinked=%d", n)
	return c, nil
}

// checkResolutionRate reports the share of handles resolved to real contacts
// rather than inferred placeholders. Informational, always passes.
func checkResolutionRate(target *sql.DB) (Check, error) {
	c := Check{Name: "resolution_rate", Info: true, Passed: true}
	total, err := load.HandleCount(target)
	if err != nil {
		return c, err
	}
	linked, err := identity.ContactsLinkedCount(target)
	if err != nil {
		return c, err
	}
	if total == 0 {
		c.Message = "no handles"
		return c, nil
	}
	ratio := float64(linked) / float64(total)
	c.Message = fmt.Sprintf("%d/%d handles linked to contacts (%.0f%%)", linked, total, ratio*100)
	return c, nil
}
